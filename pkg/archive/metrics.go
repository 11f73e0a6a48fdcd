package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsQueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_archive_records_queued_total",
	Help: "The total number of pruned mentions queued for archiving",
})

var recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_archive_records_written_total",
	Help: "The total number of pruned mentions written to parquet files",
})

var archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_archive_write_failures_total",
	Help: "The total number of failed parquet file writes",
})
