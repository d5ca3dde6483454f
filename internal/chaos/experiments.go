package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lms/internal/circulation"
)

// Probe reports ledger consistency. Both circulation ledgers implement it.
type Probe interface {
	DoubleLentBooks(ctx context.Context) (int, error)
}

func doubleLentBooks(probe Probe) Metric {
	return Metric{
		Name: "double_lent_books",
		Query: func(ctx context.Context) (float64, error) {
			n, err := probe.DoubleLentBooks(ctx)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ConcurrentBorrowExperiment has every borrower request isbn at once. Exactly
// one borrow may succeed and no book may end up with two outstanding loans.
// Rollback returns the winning loan so the experiment can be repeated.
func ConcurrentBorrowExperiment(svc circulation.Service, probe Probe, isbn string, borrowers []uuid.UUID) Experiment {
	var (
		successes atomic.Int64
		mu        sync.Mutex
		won       []*circulation.Loan
	)

	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Concurrent borrows of one book never produce two outstanding loans",
		SteadyState: []Metric{
			doubleLentBooks(probe),
			{
				Name: "borrow_successes",
				Query: func(context.Context) (float64, error) {
					return float64(successes.Load()), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "circulation.borrow",
				Execute: func(ctx context.Context) error {
					successes.Store(0)
					var (
						wg   sync.WaitGroup
						errs = make(chan error, len(borrowers))
					)
					for _, memberID := range borrowers {
						wg.Add(1)
						go func(memberID uuid.UUID) {
							defer wg.Done()
							loan, err := svc.Borrow(ctx, memberID, isbn)
							switch {
							case err == nil:
								successes.Add(1)
								mu.Lock()
								won = append(won, loan)
								mu.Unlock()
							case errors.Is(err, circulation.ErrBookNotAvailable):
							default:
								errs <- fmt.Errorf("member %s: %w", memberID, err)
							}
						}(memberID)
					}
					wg.Wait()
					close(errs)

					var all []error
					for err := range errs {
						all = append(all, err)
					}
					return errors.Join(all...)
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "return-loans",
				Target: "circulation.return",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					var errs []error
					for _, loan := range won {
						if _, err := svc.ReturnLoan(ctx, loan.MemberID, loan.ID); err != nil {
							errs = append(errs, err)
						}
					}
					won = nil
					return errors.Join(errs...)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "double_lent_books",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No book should have more than one outstanding loan",
			},
			{
				Metric:    "borrow_successes",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one concurrent borrow should succeed",
			},
		},
		Duration: 2 * time.Second,
	}
}

// ConcurrentRenewExperiment has one member borrow isbn and then fire renewals
// concurrently. The loan must end with exactly the policy's maximum number
// of renewals.
func ConcurrentRenewExperiment(svc circulation.Service, probe Probe, isbn string, memberID uuid.UUID, attempts int, policy circulation.Policy) Experiment {
	var (
		mu   sync.Mutex
		loan *circulation.Loan
	)
	extensions := func(ctx context.Context) (float64, error) {
		mu.Lock()
		current := loan
		mu.Unlock()
		if current == nil {
			return 0, nil
		}
		loans, err := svc.ListLoansOf(ctx, memberID)
		if err != nil {
			return 0, err
		}
		for _, l := range loans {
			if l.ID == current.ID {
				return float64(l.Extensions), nil
			}
		}
		return 0, circulation.ErrLoanNotFound
	}

	return Experiment{
		Name:       "concurrent-renew-race",
		Hypothesis: "Concurrent renewals never extend a loan past the renewal limit",
		SteadyState: []Metric{
			doubleLentBooks(probe),
			{
				Name:      "loan_extensions",
				Query:     extensions,
				Threshold: Threshold{Operator: "<=", Value: float64(policy.MaxRenewals)},
			},
		},
		Method: []Action{
			{
				Type:   "borrow",
				Target: "circulation.borrow",
				Execute: func(ctx context.Context) error {
					l, err := svc.Borrow(ctx, memberID, isbn)
					if err != nil {
						return err
					}
					mu.Lock()
					loan = l
					mu.Unlock()
					return nil
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "circulation.renew",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					current := loan
					mu.Unlock()
					if current == nil {
						return circulation.ErrLoanNotFound
					}
					var wg sync.WaitGroup
					for i := 0; i < attempts; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, _ = svc.Renew(ctx, memberID, current.ID)
						}()
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "return-loans",
				Target: "circulation.return",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					if loan == nil {
						return nil
					}
					if _, err := svc.ReturnLoan(ctx, memberID, loan.ID); err != nil {
						return err
					}
					loan = nil
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "loan_extensions",
				Condition: func(v float64) bool { return v == float64(policy.MaxRenewals) },
				Message:   "The loan should be renewed exactly up to the limit",
			},
		},
		Duration: 2 * time.Second,
	}
}
