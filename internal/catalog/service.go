package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, in NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	FindByISBN(ctx context.Context, isbn string) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
}

// Repository is the storage contract behind Service.
type Repository interface {
	Insert(ctx context.Context, book *Book) error
	GetByID(ctx context.Context, id uuid.UUID) (*Book, error)
	GetByISBN(ctx context.Context, isbn string) (*Book, error)
	List(ctx context.Context) ([]*Book, error)
}
