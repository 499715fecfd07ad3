package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	httperr "github.com/aevon-lab/aevon-meter/internal/core/errors"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to persist event"
	msgDuplicateEvent = "Event already exists"
	msgListFailed     = "Failed to list events"
)

// Outcome labels for the ingestion counter.
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
	outcome    string
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests for event ingestion.
func (s *Service) IngestHandler(c *gin.Context) {
	evt, payloadSize, err := s.parseEvent(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := validateEvent(evt); err != nil {
		s.writeError(c, err)
		return
	}

	slog.Info("[Ingestion] Received event",
		"event_id", evt.ID,
		"subscription_id", evt.SubscriptionID,
		"code", evt.Code,
		"payload_size", payloadSize)

	if err := s.persistEvent(c.Request.Context(), evt); err != nil {
		s.writeError(c, err)
		return
	}

	// The chain pipeline picks the event up on its next cycle.
	s.telemetry.EventsIngestedTotal.WithLabelValues(outcomeAccepted).Inc()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// parseEvent reads the raw request body and binds it into an Event struct.
// Returns the parsed event and the raw payload size.
func (s *Service) parseEvent(c *gin.Context) (*v1.Event, int, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
			outcome:    outcomeFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
			outcome: outcomeRejected,
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var evt v1.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
			outcome:    outcomeRejected,
		}
	}

	evt.IngestedAt = time.Now().UTC()
	evt.Timestamp = evt.Timestamp.UTC()
	return &evt, len(bodyBytes), nil
}

// validateEvent checks the envelope. Property contents are interpreted per
// metric by the pipeline, so unknown properties are accepted here.
func validateEvent(evt *v1.Event) *ingestionError {
	if err := evt.Validate(); err != nil {
		slog.Warn("[Ingestion] Envelope validation failed", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
			outcome:    outcomeRejected,
		}
	}
	return nil
}

// persistEvent saves the event to the backing store.
func (s *Service) persistEvent(ctx context.Context, evt *v1.Event) *ingestionError {
	if err := s.store.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			slog.Info("[Ingestion] Duplicate event rejected", "event_id", evt.ID, "subscription_id", evt.SubscriptionID)
			return &ingestionError{
				statusCode: http.StatusConflict,
				errorType:  httperr.HttpDuplicateEventError,
				message:    msgDuplicateEvent,
				outcome:    outcomeDuplicate,
			}
		}

		slog.Error("[Ingestion] Failed to persist event", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
			outcome:    outcomeFailed,
		}
	}

	return nil
}

type listEventsQuery struct {
	From  time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00" binding:"required"`
	To    time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00" binding:"required"`
	Code  string    `form:"code"`
	Limit int       `form:"limit"`
}

// ListEventsHandler returns a subscription's events with timestamp in [from, to).
func (s *Service) ListEventsHandler(c *gin.Context) {
	subscriptionID := c.Param("subscription_id")

	var q listEventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.writeQueryError(c, httperr.HttpValidationError, err.Error())
		return
	}
	if !q.To.After(q.From) {
		s.writeQueryError(c, httperr.HttpInvalidRangeError, "to must be after from")
		return
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	events, err := s.store.RetrieveSubscriptionEvents(c.Request.Context(), subscriptionID, q.Code, q.From.UTC(), q.To.UTC(), limit)
	if err != nil {
		slog.Error("[Ingestion] Failed to list events", "error", err, "subscription_id", subscriptionID)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   msgListFailed,
		})
		return
	}
	if events == nil {
		events = []*v1.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Service) writeQueryError(c *gin.Context, errorType, message string) {
	c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
		ErrorType: errorType,
		Message:   message,
	})
}

// writeError serializes an ingestionError as the JSON HTTP response.
func (s *Service) writeError(c *gin.Context, err *ingestionError) {
	if err.outcome != "" {
		s.telemetry.EventsIngestedTotal.WithLabelValues(err.outcome).Inc()
	}
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
