package circulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lms/pkg/eventstore"
)

// MemoryLedger keeps loans in process. Atomic units are serialized by a keyed
// mutex; the maps themselves are guarded by mu.
type MemoryLedger struct {
	locks   *keyedMutex
	mu      sync.RWMutex
	loans   map[uuid.UUID]*Loan
	journal *eventstore.MemoryStore
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		locks:   newKeyedMutex(),
		loans:   make(map[uuid.UUID]*Loan),
		journal: eventstore.NewMemoryStore(),
	}
}

func (m *MemoryLedger) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context, l Ledger) error) error {
	unlock := m.locks.lock(keys)
	defer unlock()
	return fn(ctx, m)
}

func (m *MemoryLedger) FindByID(_ context.Context, id uuid.UUID) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loan, ok := m.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return loan.clone(), nil
}

func (m *MemoryLedger) FindByMember(_ context.Context, memberID uuid.UUID) ([]*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Loan
	for _, loan := range m.loans {
		if loan.MemberID == memberID {
			out = append(out, loan.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanDate.Before(out[j].LoanDate) })
	return out, nil
}

func (m *MemoryLedger) FindOutstandingByBook(_ context.Context, bookID uuid.UUID) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if loan := m.outstandingFor(bookID); loan != nil {
		return loan.clone(), nil
	}
	return nil, nil
}

func (m *MemoryLedger) outstandingFor(bookID uuid.UUID) *Loan {
	for _, loan := range m.loans {
		if loan.BookID == bookID && loan.IsOutstanding() {
			return loan
		}
	}
	return nil
}

func (m *MemoryLedger) OutstandingBookIDs(_ context.Context) (map[uuid.UUID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[uuid.UUID]struct{})
	for _, loan := range m.loans {
		if loan.IsOutstanding() {
			ids[loan.BookID] = struct{}{}
		}
	}
	return ids, nil
}

// DoubleLentBooks counts books with more than one outstanding loan. It is
// always zero unless the ledger is broken.
func (m *MemoryLedger) DoubleLentBooks(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perBook := make(map[uuid.UUID]int)
	for _, loan := range m.loans {
		if loan.IsOutstanding() {
			perBook[loan.BookID]++
		}
	}
	n := 0
	for _, c := range perBook {
		if c > 1 {
			n++
		}
	}
	return n, nil
}

// Save enforces the same rules as the loans table: one outstanding loan per
// book and a version that advances one step at a time.
func (m *MemoryLedger) Save(ctx context.Context, loan *Loan, events ...eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.loans[loan.ID]
	switch {
	case !exists && loan.Version != 1:
		return fmt.Errorf("%w: loan %s not stored", ErrConflictRetryable, loan.ID)
	case exists && stored.Version != loan.Version-1:
		return fmt.Errorf("%w: loan %s at version %d", ErrConflictRetryable, loan.ID, stored.Version)
	}
	if loan.IsOutstanding() {
		if other := m.outstandingFor(loan.BookID); other != nil && other.ID != loan.ID {
			return ErrBookNotAvailable
		}
	}

	if len(events) > 0 {
		err := m.journal.AppendEvents(ctx, loan.ID, AggregateType, loan.Version-len(events), events)
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %v", ErrConflictRetryable, err)
		}
		if err != nil {
			return fmt.Errorf("journal loan %s: %w", loan.ID, err)
		}
	}

	m.loans[loan.ID] = loan.clone()
	return nil
}

func (m *MemoryLedger) History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return m.journal.LoadEvents(ctx, loanID, 1, 0)
}

// keyedMutex hands out one mutex per key and frees it when no holder or
// waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// lock acquires every key in the given order, skipping duplicates, and
// returns a func that releases them.
func (k *keyedMutex) lock(keys []string) func() {
	held := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		k.mu.Lock()
		rm, ok := k.locks[key]
		if !ok {
			rm = &refMutex{}
			k.locks[key] = rm
		}
		rm.refs++
		k.mu.Unlock()

		rm.Lock()
		held = append(held, key)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.mu.Lock()
			rm := k.locks[held[i]]
			rm.refs--
			if rm.refs == 0 {
				delete(k.locks, held[i])
			}
			k.mu.Unlock()
			rm.Unlock()
		}
	}
}
