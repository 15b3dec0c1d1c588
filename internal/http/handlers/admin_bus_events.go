package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/geocoder89/pgebus/internal/utils"
	"github.com/gin-gonic/gin"
)

// AdminBusEventsRepo is the operator-intervention surface over the
// dispatcher's events table: dead rows stay dead until an operator
// requeues them through here.
type AdminBusEventsRepo interface {
	ListCursor(ctx context.Context, status *string, limit int, afterUpdatedAt time.Time, afterID string) (items []busevent.Event, nextCursor *string, hasMore bool, err error)
	GetByID(ctx context.Context, id string) (busevent.Event, error)
	Retry(ctx context.Context, id string) error
	RetryManyFailed(ctx context.Context, limit int) (int64, error)
}

type AdminBusEventsHandler struct {
	repo AdminBusEventsRepo
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func NewAdminBusEventsHandler(repo AdminBusEventsRepo) *AdminBusEventsHandler {
	return &AdminBusEventsHandler{repo: repo}
}

// GET /admin/bus-events?status=dead&limit=50&cursor=...
func (h *AdminBusEventsHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 200")
		return
	}

	var statusPtr *string
	if s := ctx.Query("status"); s != "" {
		statusPtr = &s
	}

	afterUpdatedAt := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	afterID := "ffffffff-ffff-ffff-ffff-ffffffffffff"
	if cursor := ctx.Query("cursor"); cursor != "" {
		cur, err := utils.DecodeBusEventCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "invalid_query", "cursor is invalid")
			return
		}
		afterUpdatedAt = cur.UpdatedAt
		afterID = cur.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, next, hasMore, err := h.repo.ListCursor(cctx, statusPtr, limit, afterUpdatedAt, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list events")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	})
}

// GET /admin/bus-events/:id
func (h *AdminBusEventsHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_request", "invalid_id")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	e, err := h.repo.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, busevent.ErrNotFound) {
			RespondNotFound(ctx, "Event not found")
			return
		}
		RespondInternal(ctx, "Could not fetch event")
		return
	}

	ctx.JSON(http.StatusOK, e)
}

// POST /admin/bus-events/:id/retry
func (h *AdminBusEventsHandler) Retry(ctx *gin.Context) {
	id := ctx.Param("id")
	if !utils.IsUUID(id) {
		RespondBadRequest(ctx, "invalid_request", "invalid_id")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.repo.Retry(cctx, id); err != nil {
		if errors.Is(err, busevent.ErrNotFound) {
			RespondNotFound(ctx, "Event not found")
			return
		}
		RespondConflict(ctx, "event_not_dead", "Only dead events can be retried")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"eventId": id,
		"status":  "pending",
	})
}

// POST /admin/bus-events/reprocess-dead?limit=50
func (h *AdminBusEventsHandler) ReprocessDead(ctx *gin.Context) {
	limit := 50
	if limitStr := ctx.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			RespondBadRequest(ctx, "invalid_request", "limit must be a number")
			return
		}
		limit = n
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	n, err := h.repo.RetryManyFailed(cctx, limit)
	if err != nil {
		RespondInternal(ctx, "Could not reprocess dead events")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"requeued": n})
}
