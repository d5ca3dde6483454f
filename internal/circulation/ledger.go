package circulation

import (
	"context"

	"github.com/google/uuid"

	"lms/internal/membership"
	"lms/pkg/eventstore"
)

// Ledger reads and writes loan records.
type Ledger interface {
	// FindByID returns ErrLoanNotFound for an unknown id.
	FindByID(ctx context.Context, id uuid.UUID) (*Loan, error)
	// FindByMember returns the member's loans, oldest first.
	FindByMember(ctx context.Context, memberID uuid.UUID) ([]*Loan, error)
	// FindOutstandingByBook returns nil without error when the book is on the shelf.
	FindOutstandingByBook(ctx context.Context, bookID uuid.UUID) (*Loan, error)
	// OutstandingBookIDs is the set of books currently lent out.
	OutstandingBookIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)
	// Save stores loan at loan.Version and journals events with it. Version 1
	// inserts; any other version must follow the stored one.
	Save(ctx context.Context, loan *Loan, events ...eventstore.Event) error
	History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error)
}

// Store is a Ledger that can run a function as one atomic unit, mutually
// exclusive with every other unit holding any of the same keys.
type Store interface {
	Ledger
	Atomically(ctx context.Context, keys []string, fn func(ctx context.Context, l Ledger) error) error
}

func memberKey(id uuid.UUID) string { return "member:" + id.String() }
func bookKey(isbn string) string    { return "book:" + isbn }
func loanKey(id uuid.UUID) string   { return "loan:" + id.String() }

// LoanGuard serializes member deletion against borrowing by that member.
type LoanGuard struct {
	store Store
}

var _ membership.LoanGuard = (*LoanGuard)(nil)

func NewLoanGuard(store Store) *LoanGuard {
	return &LoanGuard{store: store}
}

func (g *LoanGuard) WhileNoOutstandingLoans(ctx context.Context, memberID uuid.UUID, fn func(context.Context) error) error {
	return g.store.Atomically(ctx, []string{memberKey(memberID)}, func(ctx context.Context, l Ledger) error {
		loans, err := l.FindByMember(ctx, memberID)
		if err != nil {
			return err
		}
		for _, loan := range loans {
			if loan.IsOutstanding() {
				return membership.ErrMemberHasOutstandingLoans
			}
		}
		return fn(ctx)
	})
}
