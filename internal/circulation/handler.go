package circulation

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lms/internal/auth"
	"lms/internal/httpjson"
	"lms/internal/logging"
	"lms/internal/retry"
)

const borrowAttempts = 3

type Handler struct {
	service Service
	logger  logging.Logger
}

func NewHandler(service Service, logger logging.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MyLoans handles GET /api/loans/my.
func (h *Handler) MyLoans(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
		return
	}
	loans, err := h.service.ListLoansOf(r.Context(), caller.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*Loan{}
	}
	httpjson.Write(w, http.StatusOK, loans)
}

// Borrow handles POST /api/loans/borrow?isbn=. Transient conflicts are
// retried here, never inside the service.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
		return
	}
	isbn := r.URL.Query().Get("isbn")
	if isbn == "" {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", "missing isbn")
		return
	}

	var loan *Loan
	err := retry.Do(r.Context(), IsRetryable, func(ctx context.Context) error {
		var err error
		loan, err = h.service.Borrow(ctx, caller.MemberID, isbn)
		return err
	}, retry.WithMaxAttempts(borrowAttempts), retry.WithLogger(h.logger, "borrow"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, loan)
}

// Renew handles POST /api/loans/{id}/renew.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Renew)
}

// Return handles POST /api/loans/{id}/return.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.ReturnLoan)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) (*Loan, error)) {
	caller, loanID, ok := callerAndLoan(w, r)
	if !ok {
		return
	}
	loan, err := op(r.Context(), caller.MemberID, loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, loan)
}

// History handles GET /api/loans/{id}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller, loanID, ok := callerAndLoan(w, r)
	if !ok {
		return
	}
	events, err := h.service.LoanHistory(r.Context(), caller.MemberID, loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, events)
}

// AvailableBooks handles GET /api/books/available.
func (h *Handler) AvailableBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListAvailableBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, books)
}

func callerAndLoan(w http.ResponseWriter, r *http.Request) (auth.Identity, uuid.UUID, bool) {
	caller, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
		return auth.Identity{}, uuid.Nil, false
	}
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid loan id")
		return auth.Identity{}, uuid.Nil, false
	}
	return caller, loanID, true
}

var statusByCode = map[string]int{
	"MEMBERSHIP_EXPIRED":   http.StatusForbidden,
	"BORROW_LIMIT_REACHED": http.StatusConflict,
	"HAS_OVERDUE_BOOKS":    http.StatusConflict,
	"BOOK_NOT_FOUND":       http.StatusNotFound,
	"BOOK_NOT_AVAILABLE":   http.StatusConflict,
	"LOAN_NOT_FOUND":       http.StatusNotFound,
	"NOT_YOUR_LOAN":        http.StatusForbidden,
	"ALREADY_RETURNED":     http.StatusConflict,
	"OVERDUE_CANNOT_RENEW": http.StatusConflict,
	"MAX_RENEWALS_REACHED": http.StatusConflict,
	"MEMBER_NOT_FOUND":     http.StatusNotFound,
	"CONFLICT_RETRYABLE":   http.StatusServiceUnavailable,
}

func writeError(w http.ResponseWriter, err error) {
	code := Code(err)
	status, ok := statusByCode[code]
	if !ok {
		httpjson.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpjson.Error(w, status, code, err.Error())
}
