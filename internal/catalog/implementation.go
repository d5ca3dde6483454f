package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// service implements the Service interface.
type service struct {
	repo Repository
}

// NewService creates a new catalog service instance.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	isbn := NormalizeISBN(in.ISBN)
	if isbn == "" || strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: isbn and title are required", ErrInvalidBook)
	}

	book := &Book{
		ID:            uuid.New(),
		ISBN:          isbn,
		Title:         strings.TrimSpace(in.Title),
		Author:        strings.TrimSpace(in.Author),
		Publisher:     strings.TrimSpace(in.Publisher),
		PublishedYear: in.PublishedYear,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, book); err != nil {
		return nil, fmt.Errorf("add book %s: %w", isbn, err)
	}
	return book, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) FindByISBN(ctx context.Context, isbn string) (*Book, error) {
	isbn = NormalizeISBN(isbn)
	if isbn == "" {
		return nil, ErrBookNotFound
	}
	return s.repo.GetByISBN(ctx, isbn)
}

// ListBooks returns every book ordered by title.
func (s *service) ListBooks(ctx context.Context) ([]*Book, error) {
	return s.repo.List(ctx)
}

// NormalizeISBN strips hyphens and spaces so "978-0-14-143951-8" and
// "9780141439518" name the same book.
func NormalizeISBN(isbn string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.TrimSpace(isbn))
}
