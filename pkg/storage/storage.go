package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict means the document changed since it was loaded.
	ErrConflict = errors.New("document changed concurrently")
)

// Documents persists whole-store snapshots keyed by a namespaced key.
//
// Save is a compare-and-set on Version: it succeeds only if the stored
// version still equals doc.Version (zero for a document that must not exist
// yet) and bumps doc.Version on success. Otherwise it returns ErrConflict.
type Documents interface {
	Load(ctx context.Context, key string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, key string) error
	// Version returns the stored version of key, zero when it is missing.
	Version(ctx context.Context, key string) (int64, error)
}

// Leases hands out named, time-bounded leadership leases.
type Leases interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
	Holder(ctx context.Context, name string) (string, error)
}

// Relay is the shared log the leader tab appends delivered events to so
// follower tabs can adopt them without heartbeating themselves.
type Relay interface {
	Publish(ctx context.Context, owner string, evts []RelayedEvent) error
	Since(ctx context.Context, owner string, afterSeq int64, limit int) ([]RelayedEvent, error)
	LatestSeq(ctx context.Context, owner string) (int64, error)
}

type Document struct {
	Key       string `gorm:"primaryKey;column:doc_key"`
	Owner     string `gorm:"index"`
	Payload   []byte
	Version   int64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

type Lease struct {
	Name        string `gorm:"primaryKey"`
	Holder      string
	ExpiresAtMs int64 `gorm:"index"`
}

type RelayedEvent struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	Owner     string `gorm:"index:idx_relay_owner_seq,priority:1"`
	EventID   int64  `gorm:"index:idx_relay_owner_seq,priority:2"`
	Raw       []byte // Raw JSON event as delivered by the backend
	RelayedAt int64  `gorm:"index"`
}

// SQLStore is the device profile database shared by every tab session.
type SQLStore struct {
	logger *slog.Logger
	db     *gorm.DB
	clock  clockwork.Clock
}

func Open(sqlitePath string, migrate bool, clock clockwork.Clock, logger *slog.Logger) (*SQLStore, error) {
	gormLogger := slogGorm.New()

	// Every pooled connection needs the busy timeout, not just the one the
	// pragmas below happen to run on.
	dsn := sqlitePath
	if strings.Contains(dsn, "?") {
		dsn += "&_busy_timeout=5000"
	} else {
		dsn += "?_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&Document{}, &Lease{}, &RelayedEvent{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Set pragmas for performance and for sharing the file between processes
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=normal;")
	db.Exec("PRAGMA busy_timeout=5000;")

	return &SQLStore{
		logger: logger.With("module", "storage"),
		db:     db,
		clock:  clock,
	}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Close()
}

func (s *SQLStore) Load(ctx context.Context, key string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("doc_key = ?", key).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document %q: %w", key, err)
	}
	return &doc, nil
}

func (s *SQLStore) Save(ctx context.Context, doc *Document) error {
	now := s.clock.Now()
	db := s.db.WithContext(ctx)

	if doc.Version == 0 {
		row := *doc
		row.Version = 1
		row.UpdatedAt = now
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to save document %q: %w", doc.Key, res.Error)
		}
		if res.RowsAffected == 1 {
			doc.Version = 1
			doc.UpdatedAt = now
			return nil
		}
		// Rows written before versioning still carry version 0 and are
		// claimed by the update below.
	}

	res := db.Model(&Document{}).
		Where("doc_key = ? AND version = ?", doc.Key, doc.Version).
		Updates(map[string]any{
			"owner":      doc.Owner,
			"payload":    doc.Payload,
			"version":    doc.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save document %q: %w", doc.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}

	doc.Version++
	doc.UpdatedAt = now
	return nil
}

func (s *SQLStore) Version(ctx context.Context, key string) (int64, error) {
	var versions []int64
	err := s.db.WithContext(ctx).Model(&Document{}).Where("doc_key = ?", key).Limit(1).Pluck("version", &versions).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read version of %q: %w", key, err)
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0], nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("doc_key = ?", key).Delete(&Document{}).Error; err != nil {
		return fmt.Errorf("failed to delete document %q: %w", key, err)
	}
	return nil
}

// Acquire takes the lease if it is free, stale, or already held by holder.
// Renewal and takeover are a single conditional update so two tabs racing
// for a stale lease cannot both win.
func (s *SQLStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now().UnixMilli()
	expires := s.clock.Now().Add(ttl).UnixMilli()

	res := s.db.WithContext(ctx).Model(&Lease{}).
		Where("name = ? AND (holder = ? OR expires_at_ms <= ?)", name, holder, now).
		Updates(map[string]any{"holder": holder, "expires_at_ms": expires})
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew lease: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&Lease{
		Name:        name,
		Holder:      holder,
		ExpiresAtMs: expires,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to create lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) Release(ctx context.Context, name, holder string) error {
	err := s.db.WithContext(ctx).Where("name = ? AND holder = ?", name, holder).Delete(&Lease{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the current non-stale holder of the lease, or "".
func (s *SQLStore) Holder(ctx context.Context, name string) (string, error) {
	var l Lease
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get lease: %w", err)
	}
	if l.ExpiresAtMs <= s.clock.Now().UnixMilli() {
		return "", nil
	}
	return l.Holder, nil
}

func (s *SQLStore) Publish(ctx context.Context, owner string, evts []RelayedEvent) error {
	if len(evts) == 0 {
		return nil
	}
	now := s.clock.Now().UnixMilli()
	for i := range evts {
		evts[i].Seq = 0
		evts[i].Owner = owner
		evts[i].RelayedAt = now
	}
	if err := s.db.WithContext(ctx).CreateInBatches(evts, 100).Error; err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}

func (s *SQLStore) Since(ctx context.Context, owner string, afterSeq int64, limit int) ([]RelayedEvent, error) {
	if limit < 1 {
		limit = 100
	}
	var evts []RelayedEvent
	err := s.db.WithContext(ctx).
		Where("owner = ? AND seq > ?", owner, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&evts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read relayed events: %w", err)
	}
	return evts, nil
}

func (s *SQLStore) LatestSeq(ctx context.Context, owner string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Model(&RelayedEvent{}).
		Where("owner = ?", owner).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get latest relay seq: %w", err)
	}
	return seq, nil
}

// Prune deletes relayed events older than ttl.
func (s *SQLStore) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-ttl).UnixMilli()
	res := s.db.WithContext(ctx).Where("relayed_at < ?", cutoff).Delete(&RelayedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune relayed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunPruner deletes old relayed events every interval until ctx is done.
func (s *SQLStore) RunPruner(ctx context.Context, interval, ttl time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.Prune(ctx, ttl)
			if err != nil {
				s.logger.Error("failed to prune relayed events", "err", err)
				continue
			}
			s.logger.Debug("pruned relayed events", "deleted", n)
		}
	}
}
