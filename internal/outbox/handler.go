package outbox

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/platform/httpx"
)

// Nudger asks the worker for a dispatch cycle ahead of the next cron tick.
type Nudger interface {
	Nudge(ctx context.Context) error
}

// Handler exposes the operator surface for dead-lettered events.
type Handler struct {
	logger *slog.Logger
	repo   Repository
	nudger Nudger
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, repo Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// WithNudger makes requeue trigger an immediate dispatch cycle.
func (h *Handler) WithNudger(n Nudger) *Handler {
	h.nudger = n
	return h
}

// MountRoutes registers dead-letter routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/dead-letters", h.listDeadLetters)
	r.Post("/dead-letters/{id}/requeue", h.requeue)
}

type deadLetterResponse struct {
	ID             uuid.UUID `json:"id"`
	AggregateID    uuid.UUID `json:"aggregate_id"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	CreatedAt      string    `json:"created_at"`
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]deadLetterResponse, 0, len(events))
	for _, event := range events {
		items = append(items, deadLetterResponse{
			ID:             event.ID,
			AggregateID:    event.AggregateID,
			EventType:      event.EventType,
			IdempotencyKey: event.IdempotencyKey,
			Attempts:       event.Attempts,
			LastError:      event.LastError,
			CreatedAt:      event.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid event id")
		return
	}
	if err := h.repo.Requeue(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("dead letter requeued", slog.String("event_id", id.String()))
	if h.nudger != nil {
		if err := h.nudger.Nudge(r.Context()); err != nil {
			h.logger.Warn("dispatch nudge", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requeued": id})
}
