package circulation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms/internal/membership"
)

func TestBorrow_CreatesLoan(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	book := f.book(t, "978-1")

	loan := f.borrow(t, ada, "9781")

	assert.Equal(t, ada, loan.MemberID)
	assert.Equal(t, book.ID, loan.BookID)
	assert.Equal(t, t0, loan.LoanDate)
	assert.Equal(t, t0.AddDate(0, 0, 14), loan.DueDate)
	assert.Nil(t, loan.ReturnDate)
	assert.Zero(t, loan.Fine)
	assert.Zero(t, loan.Extensions)
	assert.Equal(t, 1, loan.Version)

	stored, err := f.ledger.FindByID(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan, stored)
}

func TestBorrow_MembershipExpired(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	f.book(t, "1")

	f.clock.Advance(days(400))
	_, err := f.svc.Borrow(context.Background(), ada, "1")
	assert.ErrorIs(t, err, ErrMembershipExpired)
}

func TestBorrow_MembershipValidOnExpiryInstant(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	f.book(t, "1")

	f.clock.Advance(t0.AddDate(1, 0, 0).Sub(t0))
	_, err := f.svc.Borrow(context.Background(), ada, "1")
	assert.NoError(t, err)
}

func TestBorrow_LimitReached(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	for i := 1; i <= 4; i++ {
		f.book(t, fmt.Sprint(i))
	}
	for i := 1; i <= 3; i++ {
		f.borrow(t, ada, fmt.Sprint(i))
	}

	_, err := f.svc.Borrow(context.Background(), ada, "4")
	assert.ErrorIs(t, err, ErrBorrowLimitReached)
}

func TestBorrow_OverdueBlocksEveryBook(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	f.book(t, "1")
	f.book(t, "2")
	overdue := f.borrow(t, ada, "1")

	f.clock.Advance(days(15))
	_, err := f.svc.Borrow(context.Background(), ada, "2")
	assert.ErrorIs(t, err, ErrHasOverdueBooks)

	_, err = f.svc.ReturnLoan(context.Background(), ada, overdue.ID)
	require.NoError(t, err)
	_, err = f.svc.Borrow(context.Background(), ada, "2")
	assert.NoError(t, err)
}

func TestBorrow_CheckOrder(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	for i := 1; i <= 3; i++ {
		f.book(t, fmt.Sprint(i))
		f.borrow(t, ada, fmt.Sprint(i))
	}

	// over the cap, overdue and asking for a missing book: the cap wins
	f.clock.Advance(days(20))
	_, err := f.svc.Borrow(context.Background(), ada, "missing")
	assert.ErrorIs(t, err, ErrBorrowLimitReached)

	// expired membership is checked before everything else
	f.clock.Advance(days(400))
	_, err = f.svc.Borrow(context.Background(), ada, "missing")
	assert.ErrorIs(t, err, ErrMembershipExpired)
}

func TestBorrow_BookNotFoundAndNotAvailable(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	grace := f.member(t, "grace")
	f.book(t, "1")

	_, err := f.svc.Borrow(context.Background(), ada, "404")
	assert.ErrorIs(t, err, ErrBookNotFound)

	f.borrow(t, ada, "1")
	_, err = f.svc.Borrow(context.Background(), grace, "1")
	assert.ErrorIs(t, err, ErrBookNotAvailable)

	_, err = f.svc.Borrow(context.Background(), ada, "1")
	assert.ErrorIs(t, err, ErrBookNotAvailable)
}

func TestBorrow_UnknownMember(t *testing.T) {
	f := newFixture(t)
	f.book(t, "1")

	_, err := f.svc.Borrow(context.Background(), uuid.New(), "1")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestRenew_AdvancesFromDueDate(t *testing.T) {
	f := newFixture(t)
	ada := f.member(t, "ada")
	f.book(t, "1")
	loan := f.borrow(t, ada, "1")

	f.clock.Advance(days(14)) // due today
	renewed, err := f.svc.Renew(context.Background(), ada, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.DueDate.AddDate(0, 0, 14), renewed.DueDate)
	assert.Equal(t, 1, renewed.Extensions)
	assert.Equal(t, 2, renewed.Version)
}

func TestRenew_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown loan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Renew(ctx, f.member(t, "ada"), uuid.New())
		assert.ErrorIs(t, err, ErrLoanNotFound)
	})

	t.Run("someone else's loan", func(t *testing.T) {
		f := newFixture(t)
		ada, grace := f.member(t, "ada"), f.member(t, "grace")
		f.book(t, "1")
		loan := f.borrow(t, ada, "1")

		_, err := f.svc.Renew(ctx, grace, loan.ID)
		assert.ErrorIs(t, err, ErrNotYourLoan)
	})

	t.Run("returned", func(t *testing.T) {
		f := newFixture(t)
		ada := f.member(t, "ada")
		f.book(t, "1")
		loan := f.borrow(t, ada, "1")
		_, err := f.svc.ReturnLoan(ctx, ada, loan.ID)
		require.NoError(t, err)

		_, err = f.svc.Renew(ctx, ada, loan.ID)
		assert.ErrorIs(t, err, ErrAlreadyReturned)
	})

	t.Run("overdue", func(t *testing.T) {
		f := newFixture(t)
		ada := f.member(t, "ada")
		f.book(t, "1")
		loan := f.borrow(t, ada, "1")

		f.clock.Advance(days(14) + time.Second)
		_, err := f.svc.Renew(ctx, ada, loan.ID)
		assert.ErrorIs(t, err, ErrOverdueCannotRenew)
	})

	t.Run("third renewal", func(t *testing.T) {
		f := newFixture(t)
		ada := f.member(t, "ada")
		f.book(t, "1")
		loan := f.borrow(t, ada, "1")
		for i := 0; i < 2; i++ {
			_, err := f.svc.Renew(ctx, ada, loan.ID)
			require.NoError(t, err)
		}

		_, err := f.svc.Renew(ctx, ada, loan.ID)
		assert.ErrorIs(t, err, ErrMaxRenewalsReached)

		// still MaxRenewalsReached once the loan is also overdue
		f.clock.Advance(days(60))
		_, err = f.svc.Renew(ctx, ada, loan.ID)
		assert.ErrorIs(t, err, ErrMaxRenewalsReached)

		stored, _ := f.ledger.FindByID(ctx, loan.ID)
		assert.Equal(t, 2, stored.Extensions)
	})
}

func TestReturn_Fines(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"early", days(3), 0},
		{"on due date", days(14), 0},
		{"less than a day late", days(14) + 23*time.Hour, 0},
		{"ten days late", days(24), 5.0},
		{"fifty days late is capped", days(64), 20.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ada := f.member(t, "ada")
			f.book(t, "1")
			loan := f.borrow(t, ada, "1")

			f.clock.Advance(tc.elapsed)
			returned, err := f.svc.ReturnLoan(context.Background(), ada, loan.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, returned.Fine)
			require.NotNil(t, returned.ReturnDate)
			assert.Equal(t, f.clock.Now(), *returned.ReturnDate)
		})
	}
}

func TestReturn_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada, grace := f.member(t, "ada"), f.member(t, "grace")
	f.book(t, "1")
	loan := f.borrow(t, ada, "1")

	_, err := f.svc.ReturnLoan(ctx, ada, uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)

	_, err = f.svc.ReturnLoan(ctx, grace, loan.ID)
	assert.ErrorIs(t, err, ErrNotYourLoan)

	f.clock.Advance(days(30))
	first, err := f.svc.ReturnLoan(ctx, ada, loan.ID)
	require.NoError(t, err)

	f.clock.Advance(days(30))
	_, err = f.svc.ReturnLoan(ctx, ada, loan.ID)
	assert.ErrorIs(t, err, ErrAlreadyReturned)

	stored, _ := f.ledger.FindByID(ctx, loan.ID)
	assert.Equal(t, first.Fine, stored.Fine)
	assert.Equal(t, *first.ReturnDate, *stored.ReturnDate)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.member(t, "ada")
	f.book(t, "1")
	f.book(t, "2")
	loan := f.borrow(t, ada, "1")

	books, err := f.svc.ListAvailableBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "2", books[0].ISBN)

	ok, err := f.svc.IsAvailable(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.ReturnLoan(ctx, ada, loan.ID)
	require.NoError(t, err)
	ok, err = f.svc.IsAvailable(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.svc.IsAvailable(ctx, "3")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestListLoansOf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada, grace := f.member(t, "ada"), f.member(t, "grace")
	f.book(t, "1")
	f.book(t, "2")
	f.borrow(t, ada, "1")
	f.clock.Advance(time.Hour)
	f.borrow(t, ada, "2")

	loans, err := f.svc.ListLoansOf(ctx, ada)
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, "1", loans[0].ISBN)

	loans, err = f.svc.ListLoansOf(ctx, grace)
	require.NoError(t, err)
	assert.Empty(t, loans)

	_, err = f.svc.ListLoansOf(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestLoanHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada, grace := f.member(t, "ada"), f.member(t, "grace")
	f.book(t, "1")
	loan := f.borrow(t, ada, "1")
	_, err := f.svc.Renew(ctx, ada, loan.ID)
	require.NoError(t, err)
	f.clock.Advance(days(30))
	_, err = f.svc.ReturnLoan(ctx, ada, loan.ID)
	require.NoError(t, err)

	events, err := f.svc.LoanHistory(ctx, ada, loan.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{EventLoanBorrowed, EventLoanRenewed, EventLoanReturned},
		[]string{events[0].EventType, events[1].EventType, events[2].EventType})
	assert.Equal(t, 3, events[2].Version)

	var returned LoanReturned
	require.NoError(t, events[2].Decode(&returned))
	assert.Equal(t, 1.0, returned.Fine)

	_, err = f.svc.LoanHistory(ctx, grace, loan.ID)
	assert.ErrorIs(t, err, ErrNotYourLoan)
}

func TestMemberDeletionGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := f.member(t, "ada")
	f.book(t, "1")
	loan := f.borrow(t, ada, "1")

	err := f.members.DeleteMember(ctx, ada)
	assert.ErrorIs(t, err, membership.ErrMemberHasOutstandingLoans)

	_, err = f.svc.ReturnLoan(ctx, ada, loan.ID)
	require.NoError(t, err)
	require.NoError(t, f.members.DeleteMember(ctx, ada))

	// history survives the member
	kept, err := f.ledger.FindByID(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ada, kept.MemberID)

	_, err = f.svc.Borrow(ctx, ada, "1")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "OK"},
		{ErrMembershipExpired, "MEMBERSHIP_EXPIRED"},
		{ErrBorrowLimitReached, "BORROW_LIMIT_REACHED"},
		{ErrHasOverdueBooks, "HAS_OVERDUE_BOOKS"},
		{ErrBookNotFound, "BOOK_NOT_FOUND"},
		{ErrBookNotAvailable, "BOOK_NOT_AVAILABLE"},
		{ErrLoanNotFound, "LOAN_NOT_FOUND"},
		{ErrNotYourLoan, "NOT_YOUR_LOAN"},
		{ErrAlreadyReturned, "ALREADY_RETURNED"},
		{ErrOverdueCannotRenew, "OVERDUE_CANNOT_RENEW"},
		{ErrMaxRenewalsReached, "MAX_RENEWALS_REACHED"},
		{ErrMemberNotFound, "MEMBER_NOT_FOUND"},
		{fmt.Errorf("wrapped: %w", ErrConflictRetryable), "CONFLICT_RETRYABLE"},
		{errors.New("disk on fire"), "INTERNAL"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Code(tc.err))
	}

	assert.True(t, IsRejection(ErrNotYourLoan))
	assert.False(t, IsRejection(ErrConflictRetryable))
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrConflictRetryable)))
}
