package ledger

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for posting and reversal.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/post/{approvalID}", h.post)
	r.Post("/groups/{groupID}/rollback", h.rollback)
}

// MountDocumentRoutes registers document-scoped ledger reads.
func (h *Handler) MountDocumentRoutes(r chi.Router) {
	r.Get("/{id}/ledger", h.forDocument)
	r.Get("/{id}/ledger/groups", h.groupsForDocument)
}

type entryResponse struct {
	ID            uuid.UUID  `json:"id"`
	GroupID       uuid.UUID  `json:"group_id"`
	JournalNumber string     `json:"journal_number"`
	AccountCode   string     `json:"account_code"`
	DebitAmount   float64    `json:"debit_amount"`
	CreditAmount  float64    `json:"credit_amount"`
	ReversalOf    *uuid.UUID `json:"reversal_of,omitempty"`
}

func toEntryResponses(entries []Entry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryResponse{
			ID:            entry.ID,
			GroupID:       entry.GroupID,
			JournalNumber: entry.JournalNumber,
			AccountCode:   entry.AccountCode,
			DebitAmount:   entry.DebitAmount,
			CreditAmount:  entry.CreditAmount,
			ReversalOf:    entry.ReversalOf,
		})
	}
	return out
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	approvalID, err := uuid.Parse(chi.URLParam(r, "approvalID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid approval id")
		return
	}
	entries, err := h.service.Post(r.Context(), approvalID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"entries": toEntryResponses(entries)})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid group id")
		return
	}
	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
			return
		}
	}
	entries, err := h.service.Rollback(r.Context(), groupID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"entries": toEntryResponses(entries)})
}

func (h *Handler) forDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return
	}
	entries, err := h.service.LedgerForDocument(r.Context(), id)
	if err != nil {
		h.logger.Error("ledger for document", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":  toEntryResponses(entries),
		"balances": BalanceByAccount(entries),
	})
}

func (h *Handler) groupsForDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return
	}
	groups, err := h.service.GroupsForDocument(r.Context(), id)
	if err != nil {
		h.logger.Error("groups for document", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		item := map[string]any{
			"id":             group.ID,
			"document_id":    group.DocumentID,
			"journal_number": group.JournalNumber,
			"posted_at":      group.PostedAt,
		}
		if group.ProposalID != nil {
			item["proposal_id"] = *group.ProposalID
		}
		if group.ReversalOf != nil {
			item["reversal_of"] = *group.ReversalOf
		}
		out = append(out, item)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"groups": out})
}
