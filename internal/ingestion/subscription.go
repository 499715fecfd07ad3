package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	httperr "github.com/aevon-lab/aevon-meter/internal/core/errors"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/gin-gonic/gin"
)

// LifecycleStore reads and records subscription lifecycles.
type LifecycleStore interface {
	storage.LifecycleSource
	SaveLifecycle(ctx context.Context, l aggregation.Lifecycle) error
}

// SubscriptionService records the lifecycle facts period aggregation clips against.
type SubscriptionService struct {
	lifecycles LifecycleStore
}

func NewSubscriptionService(lifecycles LifecycleStore) *SubscriptionService {
	if lifecycles == nil {
		panic("ingestion: lifecycle store must not be nil")
	}
	return &SubscriptionService{lifecycles: lifecycles}
}

// RegisterRoutes registers the subscription routes.
func (s *SubscriptionService) RegisterRoutes(r gin.IRouter) {
	r.PUT("/v1/subscriptions/:id", s.UpsertHandler)
	r.GET("/v1/subscriptions/:external_id", s.GetHandler)
}

type subscriptionRequest struct {
	ExternalID             string     `json:"external_id" binding:"required"`
	StartedAt              time.Time  `json:"started_at" binding:"required"`
	SubscriptionAt         *time.Time `json:"subscription_at"`
	TerminatedAt           *time.Time `json:"terminated_at"`
	Status                 string     `json:"status"`
	PayInAdvance           bool       `json:"pay_in_advance"`
	BillingTime            string     `json:"billing_time"`
	Interval               string     `json:"interval"`
	Timezone               string     `json:"timezone"`
	PreviousSubscriptionID string     `json:"previous_subscription_id"`
}

type subscriptionResponse struct {
	ID                     string             `json:"id"`
	ExternalID             string             `json:"external_id"`
	StartedAt              time.Time          `json:"started_at"`
	SubscriptionAt         time.Time          `json:"subscription_at"`
	TerminatedAt           *time.Time         `json:"terminated_at,omitempty"`
	Status                 string             `json:"status"`
	Timing                 aggregation.Timing `json:"timing"`
	BillingTime            string             `json:"billing_time"`
	Interval               string             `json:"interval"`
	Timezone               string             `json:"timezone,omitempty"`
	PreviousSubscriptionID string             `json:"previous_subscription_id,omitempty"`
}

// UpsertHandler handles PUT /v1/subscriptions/:id.
func (s *SubscriptionService) UpsertHandler(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   msgInvalidJSON,
			Details:   err.Error(),
		})
		return
	}

	l, err := s.toLifecycle(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status, errorType := http.StatusBadRequest, httperr.HttpValidationError
		if errors.Is(err, storage.ErrNotFound) {
			status, errorType = http.StatusNotFound, httperr.HttpNotFoundError
		}
		c.JSON(status, httperr.ErrorResponse{ErrorType: errorType, Message: err.Error()})
		return
	}

	if err := s.save(c.Request.Context(), &l); err != nil {
		slog.Error("[Subscriptions] Failed to save lifecycle", "error", err, "subscription_id", l.SubscriptionID)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to save subscription",
		})
		return
	}

	slog.Info("[Subscriptions] Saved lifecycle",
		"subscription_id", l.SubscriptionID,
		"external_id", l.ExternalID,
		"timing", l.Timing,
		"interval", l.Interval)
	c.JSON(http.StatusOK, toResponse(l))
}

// save records l. An upgrade first terminates the predecessor the second
// before l starts, so the two never bill the same days.
func (s *SubscriptionService) save(ctx context.Context, l *aggregation.Lifecycle) error {
	if prev, ok := aggregation.Supersede(*l); ok {
		if err := s.lifecycles.SaveLifecycle(ctx, prev); err != nil {
			return fmt.Errorf("terminate predecessor %q: %w", prev.SubscriptionID, err)
		}
		slog.Info("[Subscriptions] Terminated superseded subscription",
			"subscription_id", prev.SubscriptionID,
			"successor_id", l.SubscriptionID,
			"terminated_at", prev.TerminatedAt)
		l.Predecessor = &prev
	}
	return s.lifecycles.SaveLifecycle(ctx, *l)
}

// GetHandler handles GET /v1/subscriptions/:external_id?at=
func (s *SubscriptionService) GetHandler(c *gin.Context) {
	var q struct {
		At time.Time `form:"at" time_format:"2006-01-02T15:04:05Z07:00"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{ErrorType: httperr.HttpValidationError, Message: err.Error()})
		return
	}
	at := q.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	l, err := s.lifecycles.GetLifecycle(c.Request.Context(), c.Param("external_id"), at)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{ErrorType: httperr.HttpNotFoundError, Message: err.Error()})
		return
	}
	if err != nil {
		slog.Error("[Subscriptions] Failed to load lifecycle", "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to load subscription",
		})
		return
	}
	c.JSON(http.StatusOK, toResponse(*l))
}

func (s *SubscriptionService) toLifecycle(ctx context.Context, id string, req subscriptionRequest) (aggregation.Lifecycle, error) {
	l := aggregation.Lifecycle{
		SubscriptionID: id,
		ExternalID:     req.ExternalID,
		StartedAt:      req.StartedAt.UTC(),
		SubscriptionAt: req.StartedAt.UTC(),
		Status:         req.Status,
		Timing:         aggregation.TimingArrears,
		Anchor:         aggregation.Anchor(req.BillingTime),
		Interval:       aggregation.Interval(req.Interval),
		Timezone:       req.Timezone,
	}
	if req.SubscriptionAt != nil {
		l.SubscriptionAt = req.SubscriptionAt.UTC()
	}
	if req.TerminatedAt != nil {
		t := req.TerminatedAt.UTC()
		if t.Before(l.StartedAt) {
			return l, fmt.Errorf("terminated_at is before started_at")
		}
		l.TerminatedAt = &t
	}
	if req.PayInAdvance {
		l.Timing = aggregation.TimingAdvance
	}
	if l.Status == "" {
		l.Status = aggregation.StatusActive
	}
	if l.Anchor == "" {
		l.Anchor = aggregation.AnchorCalendar
	}
	if l.Interval == "" {
		l.Interval = aggregation.IntervalMonthly
	}

	switch l.Anchor {
	case aggregation.AnchorCalendar, aggregation.AnchorAnniversary:
	default:
		return l, fmt.Errorf("invalid billing_time %q (must be calendar or anniversary)", req.BillingTime)
	}
	switch l.Interval {
	case aggregation.IntervalWeekly, aggregation.IntervalMonthly, aggregation.IntervalYearly:
	default:
		return l, fmt.Errorf("invalid interval %q (must be weekly, monthly or yearly)", req.Interval)
	}
	if _, err := l.Location(); err != nil {
		return l, err
	}

	if req.PreviousSubscriptionID != "" {
		prev, err := s.lifecycles.GetLifecycle(ctx, l.ExternalID, l.StartedAt.Add(-time.Second))
		if err != nil {
			return l, fmt.Errorf("previous subscription %q: %w", req.PreviousSubscriptionID, err)
		}
		if prev.SubscriptionID != req.PreviousSubscriptionID {
			return l, fmt.Errorf("previous subscription %q: %w", req.PreviousSubscriptionID, storage.ErrNotFound)
		}
		l.Predecessor = prev
	}
	return l, nil
}

func toResponse(l aggregation.Lifecycle) subscriptionResponse {
	resp := subscriptionResponse{
		ID:             l.SubscriptionID,
		ExternalID:     l.ExternalID,
		StartedAt:      l.StartedAt,
		SubscriptionAt: l.SubscriptionAt,
		TerminatedAt:   l.TerminatedAt,
		Status:         l.Status,
		Timing:         l.Timing,
		BillingTime:    string(l.Anchor),
		Interval:       string(l.Interval),
		Timezone:       l.Timezone,
	}
	if l.Predecessor != nil {
		resp.PreviousSubscriptionID = l.Predecessor.SubscriptionID
	}
	return resp
}
