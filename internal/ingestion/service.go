package ingestion

import (
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/aevon-lab/aevon-meter/internal/telemetry"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 1000
	maxListLimit     = 10000
)

type Service struct {
	store            storage.EventStore
	telemetry        *telemetry.Metrics
	maxBodySizeBytes int
}

func NewService(repo storage.EventStore, tel *telemetry.Metrics, maxBodySizeMB int) *Service {
	if repo == nil {
		panic("ingestion: store must not be nil")
	}
	if tel == nil {
		panic("ingestion: telemetry must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		store:            repo,
		telemetry:        tel,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.GET("/v1/events/:subscription_id", s.ListEventsHandler)
}
