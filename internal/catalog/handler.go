package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lms/internal/httpjson"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// ListBooks handles GET /api/books.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, books)
}

// GetBook handles GET /api/books/{isbn}.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.service.FindByISBN(r.Context(), chi.URLParam(r, "isbn"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, book)
}

// AddBook handles POST /api/books.
func (h *Handler) AddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, book)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		httpjson.Error(w, http.StatusNotFound, "BOOK_NOT_FOUND", err.Error())
	case errors.Is(err, ErrDuplicateISBN):
		httpjson.Error(w, http.StatusConflict, "DUPLICATE_ISBN", err.Error())
	case errors.Is(err, ErrInvalidBook):
		httpjson.Error(w, http.StatusBadRequest, "INVALID_BOOK", err.Error())
	default:
		httpjson.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
