package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, reg Registration) (*Member, error)
	Authenticate(ctx context.Context, username, password string) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetMemberByUsername(ctx context.Context, username string) (*Member, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	SearchMembersByName(ctx context.Context, name string) ([]*Member, error)
	UpdateMember(ctx context.Context, id uuid.UUID, upd MemberUpdate) (*Member, error)
	DeleteMember(ctx context.Context, id uuid.UUID) error
	PromoteMember(ctx context.Context, id uuid.UUID, role string) (*Member, error)
}

// Repository persists members and their credentials.
type Repository interface {
	Create(ctx context.Context, m *Member, c *Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*Member, error)
	GetByUsername(ctx context.Context, username string) (*Member, error)
	GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error)
	List(ctx context.Context) ([]*Member, error)
	SearchByName(ctx context.Context, name string) ([]*Member, error)
	Update(ctx context.Context, m *Member) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// LoanGuard runs fn only while the member holds no outstanding loans, and
// keeps new loans from being opened for that member until fn returns.
type LoanGuard interface {
	WhileNoOutstandingLoans(ctx context.Context, memberID uuid.UUID, fn func(context.Context) error) error
}
