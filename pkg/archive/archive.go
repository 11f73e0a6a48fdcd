// Package archive writes mentions dropped by retention or capacity pruning
// to parquet files so the history stays available for offline analysis.
package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/mentions"
	"github.com/jonboulle/clockwork"
	"github.com/parquet-go/parquet-go"
)

type Record struct {
	Owner          string `parquet:"owner"`
	MentionID      string `parquet:"mention_id"`
	SourceType     string `parquet:"source_type"`
	SourceID       string `parquet:"source_id"`
	DiscussionID   string `parquet:"discussion_id"`
	ArticleID      string `parquet:"article_id"`
	CommunityID    string `parquet:"community_id"`
	AuthorUsername string `parquet:"author_username"`
	TargetUsername string `parquet:"target_username"`
	Excerpt        string `parquet:"excerpt"`
	Link           string `parquet:"link"`
	IsRead         bool   `parquet:"is_read"`
	CreatedAt      int64  `parquet:"created_at"`
	DetectedAt     int64  `parquet:"detected_at"`
	ArchivedAt     int64  `parquet:"archived_at"`
}

type Config struct {
	Dir          string
	Prefix       string
	BatchSize    int
	MaxBatchWait time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		Prefix:       "mentions",
		BatchSize:    500,
		MaxBatchWait: 10 * time.Minute,
	}
}

// Archive batches records and writes one parquet file per batch.
type Archive struct {
	logger       *slog.Logger
	clock        clockwork.Clock
	fileDir      string
	prefix       string
	batchSize    int
	maxBatchWait time.Duration

	writeQueue chan *Record
	shutdown   chan struct{}
	wg         sync.WaitGroup
	files      int
}

func New(clock clockwork.Clock, config Config, logger *slog.Logger) (*Archive, error) {
	if config.BatchSize < 1 {
		config.BatchSize = DefaultConfig(config.Dir).BatchSize
	}
	a := Archive{
		logger:       logger.With("module", "archive"),
		clock:        clock,
		fileDir:      config.Dir,
		prefix:       config.Prefix,
		batchSize:    config.BatchSize,
		maxBatchWait: config.MaxBatchWait,
		writeQueue:   make(chan *Record, config.BatchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &a, nil
}

// StartWriter starts the goroutine that writes a file when the batch is
// full, every maxBatchWait, and once more on shutdown.
func (a *Archive) StartWriter() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var records []*Record
		t := a.clock.NewTicker(a.maxBatchWait)
		defer t.Stop()

		a.logger.Info("starting archive writer loop")

		flush := func(reason string) {
			if len(records) == 0 {
				return
			}
			a.logger.Info("writing archive file", "reason", reason, "num_records", len(records))
			if err := a.WriteFile(records); err != nil {
				a.logger.Error("failed to write archive file", "err", err)
				archiveFailures.Inc()
			}
			records = nil
		}

		for {
			select {
			case r := <-a.writeQueue:
				records = append(records, r)
				if len(records) >= a.batchSize {
					flush("max batch size")
				}
			case <-t.Chan():
				flush("max batch wait")
			case <-a.shutdown:
			drain:
				for {
					select {
					case r := <-a.writeQueue:
						records = append(records, r)
					default:
						break drain
					}
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown drains queued records, writes them and stops the writer.
func (a *Archive) Shutdown() {
	a.logger.Info("waiting for archive writer to shutdown")
	close(a.shutdown)
	a.wg.Wait()
	a.logger.Info("archive writer shutdown successfully")
}

// ArchiveMentions queues pruned mentions of owner for writing. Records
// arriving after Shutdown are dropped.
func (a *Archive) ArchiveMentions(owner string, pruned []mentions.Mention) {
	now := a.clock.Now().UnixMilli()
	for _, m := range pruned {
		r := &Record{
			Owner:          owner,
			MentionID:      m.ID,
			SourceType:     string(m.SourceType),
			SourceID:       m.SourceID,
			DiscussionID:   m.DiscussionID,
			ArticleID:      m.ArticleID,
			CommunityID:    m.CommunityID,
			AuthorUsername: m.AuthorUsername,
			TargetUsername: m.TargetUsername,
			Excerpt:        m.Excerpt,
			Link:           m.Link,
			IsRead:         m.IsRead,
			CreatedAt:      m.CreatedAt.UnixMilli(),
			DetectedAt:     m.DetectedAt.UnixMilli(),
			ArchivedAt:     now,
		}
		select {
		case a.writeQueue <- r:
			recordsQueued.Inc()
		case <-a.shutdown:
			a.logger.Warn("archive closed, dropping pruned mention", "mention_id", m.ID)
			return
		}
	}
}

// WriteFile writes records to a new parquet file named after the current
// time.
func (a *Archive) WriteFile(records []*Record) error {
	a.files++
	fName := path.Join(a.fileDir, fmt.Sprintf("%s_%s_%04d.parquet", a.prefix, a.clock.Now().UTC().Format("2006_01_02-15_04_05"), a.files))

	filterBits := uint(10)

	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "owner"),
		parquet.SplitBlockFilter(filterBits, "mention_id"),
		parquet.SplitBlockFilter(filterBits, "article_id"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	recordsWritten.Add(float64(len(records)))
	a.logger.Info("wrote archive file", "file_path", fName, "num_records", len(records))
	return nil
}
