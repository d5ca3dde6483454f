package membership

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lms/internal/auth"
	"lms/internal/httpjson"
)

// TokenIssuer mints the access token returned by register and login.
type TokenIssuer interface {
	Issue(memberID uuid.UUID, username, role string) (string, error)
}

type Handler struct {
	service Service
	tokens  TokenIssuer
}

func NewHandler(service Service, tokens TokenIssuer) *Handler {
	return &Handler{service: service, tokens: tokens}
}

type authResponse struct {
	Token  string  `json:"token"`
	Member *Member `json:"member"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondWithToken(w, http.StatusCreated, member)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	member, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondWithToken(w, http.StatusOK, member)
}

func (h *Handler) respondWithToken(w http.ResponseWriter, status int, member *Member) {
	token, err := h.tokens.Issue(member.ID, member.Username, member.Role)
	if err != nil {
		httpjson.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	httpjson.Write(w, status, authResponse{Token: token, Member: member})
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, members)
}

func (h *Handler) SearchMembers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", "missing name")
		return
	}
	members, err := h.service.SearchMembersByName(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, members)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := selfOrLibrarian(w, r)
	if !ok {
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, member)
}

func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id, ok := selfOrLibrarian(w, r)
	if !ok {
		return
	}
	var upd MemberUpdate
	if err := httpjson.Decode(r, &upd); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	// Moving the registration date renews the membership.
	if upd.RegistrationDate != nil && !isLibrarian(r) {
		httpjson.Error(w, http.StatusForbidden, "FORBIDDEN", "only a librarian can change the registration date")
		return
	}
	member, err := h.service.UpdateMember(r.Context(), id, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, member)
}

func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid member id")
		return
	}
	if err := h.service.DeleteMember(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// selfOrLibrarian parses {id} and allows only the member themself or a librarian.
func selfOrLibrarian(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid member id")
		return uuid.Nil, false
	}
	caller, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
		return uuid.Nil, false
	}
	if caller.MemberID != id && caller.Role != RoleLibrarian {
		httpjson.Error(w, http.StatusForbidden, "FORBIDDEN", "not your profile")
		return uuid.Nil, false
	}
	return id, true
}

func isLibrarian(r *http.Request) bool {
	caller, ok := auth.IdentityFromContext(r.Context())
	return ok && caller.Role == RoleLibrarian
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMemberNotFound):
		httpjson.Error(w, http.StatusNotFound, "MEMBER_NOT_FOUND", err.Error())
	case errors.Is(err, ErrUsernameTaken):
		httpjson.Error(w, http.StatusConflict, "USERNAME_TAKEN", err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		httpjson.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
	case errors.Is(err, ErrInvalidMember), errors.Is(err, ErrInvalidRole):
		httpjson.Error(w, http.StatusBadRequest, "INVALID_MEMBER", err.Error())
	case errors.Is(err, ErrRateLimited):
		httpjson.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, ErrMemberHasOutstandingLoans):
		httpjson.Error(w, http.StatusConflict, "MEMBER_HAS_OUTSTANDING_LOANS", err.Error())
	default:
		httpjson.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
