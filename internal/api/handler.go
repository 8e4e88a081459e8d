// Package api provides the HTTP control surface over the lock coordinator.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockbox/internal/lock"
)

// Handler exposes lock acquisition and release over HTTP.
type Handler struct {
	coord  *lock.Coordinator
	logger zerolog.Logger
}

// NewHandler creates a new lock API handler with the provided dependencies.
func NewHandler(coord *lock.Coordinator, logger zerolog.Logger) *Handler {
	return &Handler{
		coord:  coord,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers all lock routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	locks := router.Group("/locks")
	locks.GET("", h.ListLocks)
	locks.POST("/:group/:id", h.AcquireLock)
	locks.DELETE("/:group/:id", h.ReleaseLock)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AcquireRequest carries the acquisition options. Durations are in
// milliseconds, matching the persisted record attributes.
type AcquireRequest struct {
	LeaseDurationInMs    int64          `json:"leaseDurationInMs,omitempty"`
	ProlongLeaseEnabled  *bool          `json:"prolongLeaseEnabled,omitempty"`
	ProlongEveryMs       int64          `json:"prolongEveryMs,omitempty"`
	TrustLocalTime       bool           `json:"trustLocalTime,omitempty"`
	WaitDurationInMs     *int64         `json:"waitDurationInMs,omitempty"`
	MaxRetryCount        *int           `json:"maxRetryCount,omitempty"`
	AdditionalAttributes map[string]any `json:"additionalAttributes,omitempty"`
}

// LockResponse is the wire form of a held lock.
type LockResponse struct {
	LockGroup           string         `json:"lockGroup"`
	LockID              string         `json:"lockId"`
	OwnerName           string         `json:"ownerName"`
	RecordVersionNumber string         `json:"recordVersionNumber"`
	LeaseDurationInMs   int64          `json:"leaseDurationInMs"`
	LastUpdatedTimeInMs int64          `json:"lastUpdatedTimeInMs"`
	IsAcquired          bool           `json:"isAcquired"`
	AdditionalAttrs     map[string]any `json:"additionalAttributes,omitempty"`
}

func lockResponse(l *lock.Lock) LockResponse {
	return LockResponse{
		LockGroup:           l.Group(),
		LockID:              l.ID(),
		OwnerName:           l.Owner(),
		RecordVersionNumber: l.RecordVersionNumber(),
		LeaseDurationInMs:   l.LeaseDuration().Milliseconds(),
		LastUpdatedTimeInMs: l.LastUpdatedTimeMs(),
		IsAcquired:          l.IsAcquired(),
		AdditionalAttrs:     l.AdditionalAttributes(),
	}
}

// AcquireLock handles POST /locks/:group/:id.
func (h *Handler) AcquireLock(c *gin.Context) {
	group := c.Param("group")
	id := c.Param("id")

	var req AcquireRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	opts := buildOptions(req)
	l, err := h.coord.Lock(c.Request.Context(), group, id, opts...)
	switch {
	case errors.Is(err, lock.ErrInvalidOptions):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, lock.ErrLockNotGranted):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("lockGroup", group).Str("lockId", id).Msg("lock acquisition failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend error"})
	default:
		c.JSON(http.StatusOK, lockResponse(l))
	}
}

// ReleaseLock handles DELETE /locks/:group/:id.
func (h *Handler) ReleaseLock(c *gin.Context) {
	group := c.Param("group")
	id := c.Param("id")

	var held *lock.Lock
	for _, l := range h.coord.HeldLocks() {
		if l.Group() == group && l.ID() == id {
			held = l
			break
		}
	}
	if held == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "lock not held by this instance"})
		return
	}

	if err := h.coord.ReleaseLock(c.Request.Context(), held); err != nil {
		h.logger.Error().Err(err).Str("lockGroup", group).Str("lockId", id).Msg("lock release failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListLocks handles GET /locks.
func (h *Handler) ListLocks(c *gin.Context) {
	held := h.coord.HeldLocks()
	out := make([]LockResponse, 0, len(held))
	for _, l := range held {
		out = append(out, lockResponse(l))
	}
	c.JSON(http.StatusOK, gin.H{"ownerName": h.coord.OwnerName(), "locks": out})
}

func buildOptions(req AcquireRequest) []lock.Option {
	var opts []lock.Option
	if req.LeaseDurationInMs > 0 {
		opts = append(opts, lock.WithLeaseDuration(time.Duration(req.LeaseDurationInMs)*time.Millisecond))
	}
	if req.ProlongLeaseEnabled != nil && !*req.ProlongLeaseEnabled {
		opts = append(opts, lock.WithoutProlongation())
	}
	if req.ProlongEveryMs > 0 {
		opts = append(opts, lock.WithProlongEvery(time.Duration(req.ProlongEveryMs)*time.Millisecond))
	}
	if req.TrustLocalTime {
		opts = append(opts, lock.WithTrustLocalTime())
	}
	if req.WaitDurationInMs != nil {
		opts = append(opts, lock.WithWaitDuration(time.Duration(*req.WaitDurationInMs)*time.Millisecond))
	}
	if req.MaxRetryCount != nil {
		opts = append(opts, lock.WithMaxRetryCount(*req.MaxRetryCount))
	}
	if len(req.AdditionalAttributes) > 0 {
		opts = append(opts, lock.WithAdditionalAttributes(req.AdditionalAttributes))
	}
	return opts
}
