package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"lms/internal/catalog"
	"lms/internal/membership"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

type fixture struct {
	clock   *testClock
	ledger  *MemoryLedger
	repo    *membership.MemoryRepository
	members membership.Service
	books   catalog.Service
	svc     Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: t0}
	ledger := NewMemoryLedger()
	repo := membership.NewMemoryRepository()
	members := membership.NewService(repo,
		membership.WithLimiter(rate.NewLimiter(rate.Inf, 0)),
		membership.WithClock(clock.Now),
		membership.WithLoanGuard(NewLoanGuard(ledger)),
	)
	books := catalog.NewService(catalog.NewMemoryRepository())

	svc, err := NewService(ledger, members, books, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return &fixture{clock: clock, ledger: ledger, repo: repo, members: members, books: books, svc: svc}
}

// member stores a member registered at the current clock time. It skips
// RegisterMember so tests do not pay for password hashing.
func (f *fixture) member(t *testing.T, username string) uuid.UUID {
	t.Helper()
	now := f.clock.Now()
	m := &membership.Member{
		ID:                   uuid.New(),
		Username:             username,
		Name:                 username,
		Role:                 membership.RoleMember,
		RegistrationDate:     now,
		MembershipExpiryDate: membership.ExpiryFor(now),
	}
	require.NoError(t, f.repo.Create(context.Background(), m, &membership.Credential{MemberID: m.ID}))
	return m.ID
}

func (f *fixture) book(t *testing.T, isbn string) *catalog.Book {
	t.Helper()
	b, err := f.books.AddBook(context.Background(), catalog.NewBook{ISBN: isbn, Title: "Title " + isbn})
	require.NoError(t, err)
	return b
}

func (f *fixture) borrow(t *testing.T, memberID uuid.UUID, isbn string) *Loan {
	t.Helper()
	loan, err := f.svc.Borrow(context.Background(), memberID, isbn)
	require.NoError(t, err)
	return loan
}
