package proposals

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/platform/httpx"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Handler wires HTTP endpoints for proposals and approvals.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers proposal routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Get("/{id}/verdict", h.evaluate)
	r.Post("/{id}/submit", h.submit)
}

// MountApprovalRoutes registers approval resolution routes.
func (h *Handler) MountApprovalRoutes(r chi.Router) {
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
}

type lineRequest struct {
	DebitAccount  string  `json:"debit_account"`
	CreditAccount string  `json:"credit_account"`
	Amount        float64 `json:"amount" validate:"required"`
	Description   string  `json:"description"`
}

type createRequest struct {
	DocumentID uuid.UUID     `json:"document_id" validate:"required"`
	Confidence float64       `json:"confidence"`
	Lines      []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type submitRequest struct {
	DocumentID uuid.UUID `json:"document_id" validate:"required"`
}

type resolveRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

type lineResponse struct {
	Position      int     `json:"position"`
	DebitAccount  string  `json:"debit_account,omitempty"`
	CreditAccount string  `json:"credit_account,omitempty"`
	Amount        float64 `json:"amount"`
	Description   string  `json:"description,omitempty"`
}

type proposalResponse struct {
	ID          uuid.UUID      `json:"id"`
	DocumentID  uuid.UUID      `json:"document_id"`
	Status      string         `json:"status"`
	Confidence  float64        `json:"confidence"`
	TotalDebit  float64        `json:"total_debit"`
	TotalCredit float64        `json:"total_credit"`
	Balanced    bool           `json:"balanced"`
	Lines       []lineResponse `json:"lines"`
}

func toProposalResponse(p Proposal) proposalResponse {
	resp := proposalResponse{
		ID:          p.ID,
		DocumentID:  p.DocumentID,
		Status:      string(p.Status),
		Confidence:  p.Confidence,
		TotalDebit:  p.TotalDebit(),
		TotalCredit: p.TotalCredit(),
		Balanced:    p.IsBalanced(),
	}
	for _, line := range p.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			Position:      line.Position,
			DebitAccount:  line.DebitAccount,
			CreditAccount: line.CreditAccount,
			Amount:        line.Amount,
			Description:   line.Description,
		})
	}
	return resp
}

type approvalResponse struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	ProposalID uuid.UUID `json:"proposal_id"`
	Status     string    `json:"status"`
	Reviewer   string    `json:"reviewer,omitempty"`
	Note       string    `json:"note,omitempty"`
}

func toApprovalResponse(a Approval) approvalResponse {
	return approvalResponse{
		ID:         a.ID,
		DocumentID: a.DocumentID,
		ProposalID: a.ProposalID,
		Status:     string(a.Status),
		Reviewer:   a.Reviewer,
		Note:       a.Note,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, []string{err.Error()})
		return
	}
	input := CreateProposalInput{DocumentID: req.DocumentID, Confidence: req.Confidence}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, CreateLineInput{
			DebitAccount:  line.DebitAccount,
			CreditAccount: line.CreditAccount,
			Amount:        line.Amount,
			Description:   line.Description,
		})
	}
	proposal, err := h.service.Create(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toProposalResponse(proposal))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid proposal id")
		return
	}
	proposal, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toProposalResponse(proposal))
}

// evaluate previews the policy verdict without committing anything.
func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid proposal id")
		return
	}
	verdict, err := h.service.Evaluate(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, verdict)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid proposal id")
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, []string{err.Error()})
		return
	}
	result, err := h.service.Submit(r.Context(), req.DocumentID, id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"approval": toApprovalResponse(result.Approval),
		"verdict":  result.Verdict,
		"document": map[string]any{
			"id":     result.Document.ID,
			"status": string(result.Document.Status),
		},
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid approval id")
		return
	}
	var req resolveRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
			return
		}
	}
	actor := shared.ActorFromContext(r.Context())
	approval, err := h.service.Approve(r.Context(), id, actor, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toApprovalResponse(approval))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid approval id")
		return
	}
	var req resolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "request body must be valid JSON")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	approval, err := h.service.Reject(r.Context(), id, actor, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toApprovalResponse(approval))
}

// MountDocumentRoutes registers document-scoped read routes.
func (h *Handler) MountDocumentRoutes(r chi.Router) {
	r.Get("/{id}/proposals", h.listByDocument)
	r.Get("/{id}/approvals", h.listApprovals)
}

func (h *Handler) listByDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return
	}
	proposals, err := h.service.ListByDocument(r.Context(), id)
	if err != nil {
		h.logger.Error("list proposals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]proposalResponse, 0, len(proposals))
	for _, proposal := range proposals {
		items = append(items, toProposalResponse(proposal))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"proposals": items})
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return
	}
	approvals, err := h.service.ListApprovals(r.Context(), id)
	if err != nil {
		h.logger.Error("list approvals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]approvalResponse, 0, len(approvals))
	for _, approval := range approvals {
		items = append(items, toApprovalResponse(approval))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": items})
}
