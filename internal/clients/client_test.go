package clients_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"lms/internal/catalog"
	"lms/internal/clients"
	"lms/internal/config"
	"lms/internal/logging"
	"lms/internal/membership"
	"lms/internal/server"
)

type testEnv struct {
	app    *server.App
	anon   *clients.Client
	admin  *clients.Client
	server *httptest.Server
}

func setup(t *testing.T, opts ...server.Option) *testEnv {
	t.Helper()
	var cfg config.Config
	cfg.LoadDefaults()

	opts = append([]server.Option{server.WithLimiter(rate.NewLimiter(rate.Inf, 0))}, opts...)
	app, err := server.New(context.Background(), &cfg, logging.NewDiscardLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)

	anon := clients.NewClient(srv.URL, srv.Client())
	session, err := anon.Register(context.Background(), membership.Registration{
		Username: "librarian", Name: "Head Librarian", Password: "shelves",
	})
	require.NoError(t, err)
	_, err = app.Members.PromoteMember(context.Background(), session.Member.ID, membership.RoleLibrarian)
	require.NoError(t, err)
	relogged, err := anon.Login(context.Background(), "librarian", "shelves")
	require.NoError(t, err)

	return &testEnv{app: app, anon: anon, admin: anon.WithToken(relogged.Token), server: srv}
}

func (e *testEnv) register(t *testing.T, username string) (*clients.Client, *membership.Member) {
	t.Helper()
	session, err := e.anon.Register(context.Background(), membership.Registration{
		Username: username, Name: username, Password: "pw-" + username,
	})
	require.NoError(t, err)
	return e.anon.WithToken(session.Token), session.Member
}

type movingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func apiCode(err error) string {
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func TestEndToEnd_LoanLifecycle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.admin.AddBook(ctx, catalog.NewBook{ISBN: "978-0-13-468599-1", Title: "The Go Programming Language", Author: "Donovan"})
	require.NoError(t, err)

	ada, adaMember := env.register(t, "ada")
	grace, _ := env.register(t, "grace")

	loan, err := ada.Borrow(ctx, "9780134685991")
	require.NoError(t, err)
	assert.Equal(t, adaMember.ID, loan.MemberID)

	_, err = grace.Borrow(ctx, "9780134685991")
	assert.Equal(t, "BOOK_NOT_AVAILABLE", apiCode(err))

	available, err := grace.AvailableBooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, available)

	renewed, err := ada.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.Extensions)
	assert.True(t, renewed.DueDate.After(loan.DueDate))

	err = env.admin.DeleteMember(ctx, adaMember.ID)
	assert.Equal(t, "MEMBER_HAS_OUTSTANDING_LOANS", apiCode(err))

	returned, err := ada.Return(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)
	assert.Zero(t, returned.Fine)

	history, err := ada.LoanHistory(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	available, err = grace.AvailableBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, available, 1)

	require.NoError(t, env.admin.DeleteMember(ctx, adaMember.ID))
}

func TestEndToEnd_AuthorizationRules(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ada, _ := env.register(t, "ada")
	_, grace := env.register(t, "grace")

	_, err := env.anon.MyLoans(ctx)
	assert.Equal(t, "UNAUTHENTICATED", apiCode(err))

	_, err = ada.AddBook(ctx, catalog.NewBook{ISBN: "1", Title: "t"})
	assert.Equal(t, "FORBIDDEN", apiCode(err))

	_, err = ada.GetMember(ctx, grace.ID)
	assert.Equal(t, "FORBIDDEN", apiCode(err))

	_, err = env.anon.Login(ctx, "ada", "wrong")
	assert.Equal(t, "INVALID_CREDENTIALS", apiCode(err))

	resp, err := env.server.Client().Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEndToEnd_ConcurrentBorrowsHaveOneWinner(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.admin.AddBook(ctx, catalog.NewBook{ISBN: "42", Title: "Contended"})
	require.NoError(t, err)

	const borrowers = 8
	members := make([]*clients.Client, borrowers)
	for i := range members {
		members[i], _ = env.register(t, fmt.Sprintf("member%d", i))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for _, c := range members {
		wg.Add(1)
		go func(c *clients.Client) {
			defer wg.Done()
			_, err := c.Borrow(ctx, "42")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apiCode(err) == "BOOK_NOT_AVAILABLE":
				rejected++
			default:
				t.Errorf("unexpected borrow error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, borrowers-1, rejected)
}

func TestEndToEnd_ExpiredMemberCannotRenewThemself(t *testing.T) {
	clock := &movingClock{now: time.Now().UTC()}
	env := setup(t, server.WithClock(clock.Now))
	ctx := context.Background()

	_, err := env.admin.AddBook(ctx, catalog.NewBook{ISBN: "9780262033848", Title: "Introduction to Algorithms", Author: "Cormen"})
	require.NoError(t, err)
	ada, adaMember := env.register(t, "ada")

	clock.Advance(400 * 24 * time.Hour)
	_, err = ada.Borrow(ctx, "9780262033848")
	require.Equal(t, "MEMBERSHIP_EXPIRED", apiCode(err))

	today := clock.Now()
	_, err = ada.UpdateMember(ctx, adaMember.ID, membership.MemberUpdate{Name: "Ada", RegistrationDate: &today})
	assert.Equal(t, "FORBIDDEN", apiCode(err))

	_, err = ada.Borrow(ctx, "9780262033848")
	assert.Equal(t, "MEMBERSHIP_EXPIRED", apiCode(err))

	renewed, err := env.admin.UpdateMember(ctx, adaMember.ID, membership.MemberUpdate{Name: "Ada", RegistrationDate: &today})
	require.NoError(t, err)
	assert.True(t, renewed.MembershipExpiryDate.After(today))

	_, err = ada.Borrow(ctx, "9780262033848")
	assert.NoError(t, err)
}
