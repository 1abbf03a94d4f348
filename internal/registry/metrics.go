package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_files_created_total",
		Help: "FileRecords created.",
	})

	filesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_files_deleted_total",
		Help: "FileRecords soft-deleted.",
	})

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_upload_bytes_total",
		Help: "Bytes written to the ingest tier.",
	})
)
