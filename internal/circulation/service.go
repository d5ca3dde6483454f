package circulation

import (
	"context"

	"github.com/google/uuid"

	"lms/internal/catalog"
	"lms/internal/membership"
	"lms/pkg/eventstore"
)

// Service defines the interface for the circulation service. Every call names
// the authenticated member explicitly.
type Service interface {
	Borrow(ctx context.Context, memberID uuid.UUID, isbn string) (*Loan, error)
	Renew(ctx context.Context, memberID, loanID uuid.UUID) (*Loan, error)
	ReturnLoan(ctx context.Context, memberID, loanID uuid.UUID) (*Loan, error)
	ListLoansOf(ctx context.Context, memberID uuid.UUID) ([]*Loan, error)
	ListAvailableBooks(ctx context.Context) ([]*catalog.Book, error)
	IsAvailable(ctx context.Context, isbn string) (bool, error)
	LoanHistory(ctx context.Context, memberID, loanID uuid.UUID) ([]eventstore.Event, error)
}

// MemberDirectory resolves members. membership.Service satisfies it.
type MemberDirectory interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
}

// BookCatalog resolves books. catalog.Service satisfies it.
type BookCatalog interface {
	FindByISBN(ctx context.Context, isbn string) (*catalog.Book, error)
	ListBooks(ctx context.Context) ([]*catalog.Book, error)
}
