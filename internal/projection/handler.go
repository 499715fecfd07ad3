package projection

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	httperr "github.com/aevon-lab/aevon-meter/internal/core/errors"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/aevon-lab/aevon-meter/internal/core/storage/breaker"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/usage/:subscription_id/:metric_code", s.HandleUsage)
	r.GET("/v1/chains/:subscription_id/:metric_code", s.HandleChain)
}

type chainURI struct {
	SubscriptionID string `uri:"subscription_id" binding:"required"`
	MetricCode     string `uri:"metric_code" binding:"required"`
}

// HandleUsage handles GET /v1/usage/:subscription_id/:metric_code
// Query parameters: from, to, at, group, current_usage, breakdown
func (s *Service) HandleUsage(c *gin.Context) {
	var uri chainURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, "Invalid path parameters", err)
		return
	}
	var query UsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		writeBindError(c, "Invalid query parameters", err)
		return
	}

	resp, err := s.Usage(c.Request.Context(), UsageRequest{
		SubscriptionID: uri.SubscriptionID,
		MetricCode:     uri.MetricCode,
		UsageQuery:     query,
	})
	if err != nil {
		writeQueryError(c, "Failed to aggregate usage", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleChain handles GET /v1/chains/:subscription_id/:metric_code
// Query parameters: at, group, results
func (s *Service) HandleChain(c *gin.Context) {
	var uri chainURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, "Invalid path parameters", err)
		return
	}
	var query ChainQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		writeBindError(c, "Invalid query parameters", err)
		return
	}

	resp, err := s.Chain(c.Request.Context(), uri.SubscriptionID, uri.MetricCode, query)
	if err != nil {
		writeQueryError(c, "Failed to load chain", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeBindError(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
		ErrorType: httperr.HttpValidationError,
		Message:   message,
		Details:   err.Error(),
	})
}

// writeQueryError maps service errors onto HTTP statuses.
func writeQueryError(c *gin.Context, message string, err error) {
	status, errorType := http.StatusInternalServerError, httperr.HttpInternalError
	switch {
	case errors.Is(err, ErrInvalidQuery):
		status, errorType = http.StatusBadRequest, httperr.HttpValidationError
	case errors.Is(err, aggregation.ErrInvalidRange), errors.Is(err, aggregation.ErrNonPositiveDuration):
		status, errorType = http.StatusBadRequest, httperr.HttpInvalidRangeError
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, aggregation.ErrMetricNotFound):
		status, errorType = http.StatusNotFound, httperr.HttpNotFoundError
	case errors.Is(err, breaker.ErrOpen):
		status, errorType = http.StatusServiceUnavailable, httperr.HttpUnavailableError
	}

	if status >= http.StatusInternalServerError {
		slog.Error("[Projection] Query failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, httperr.ErrorResponse{
		ErrorType: errorType,
		Message:   message,
		Details:   err.Error(),
	})
}
