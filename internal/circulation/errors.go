package circulation

import (
	"errors"

	"lms/internal/catalog"
	"lms/internal/membership"
)

var (
	ErrMembershipExpired  = errors.New("membership expired")
	ErrBorrowLimitReached = errors.New("borrow limit reached")
	ErrHasOverdueBooks    = errors.New("member has overdue books")
	ErrBookNotAvailable   = errors.New("book not available")
	ErrLoanNotFound       = errors.New("loan not found")
	ErrNotYourLoan        = errors.New("loan belongs to another member")
	ErrAlreadyReturned    = errors.New("loan already returned")
	ErrOverdueCannotRenew = errors.New("overdue loan cannot be renewed")
	ErrMaxRenewalsReached = errors.New("maximum renewals reached")

	// ErrConflictRetryable is a transient write conflict; the caller may retry.
	ErrConflictRetryable = errors.New("conflicting concurrent update, retry")

	ErrBookNotFound   = catalog.ErrBookNotFound
	ErrMemberNotFound = membership.ErrMemberNotFound
)

var errorCodes = []struct {
	err  error
	code string
}{
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
	{ErrConflictRetryable, "CONFLICT_RETRYABLE"},
}

// Code returns the stable identifier for err: "OK" for nil, "INTERNAL" for
// anything that is not a circulation rejection.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// IsRejection reports whether err is a business-rule rejection rather than a
// storage fault.
func IsRejection(err error) bool {
	switch Code(err) {
	case "OK", "INTERNAL", "CONFLICT_RETRYABLE":
		return false
	}
	return true
}

// IsRetryable reports whether err may succeed if the call is repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictRetryable)
}
