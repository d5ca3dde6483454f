package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"lms/pkg/eventstore"
)

const (
	tableLoans = "loans"

	outstandingIndex = "loans_one_outstanding_per_book"

	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

var (
	dialect     = goqu.Dialect("postgres")
	loanColumns = []any{"id", "member_id", "book_id", "isbn", "loan_date", "due_date", "return_date", "fine", "extensions", "version"}
)

// outstanding is the single definition of "lent out" used by every query.
func outstanding() exp.Expression {
	return goqu.C("return_date").IsNull()
}

// PostgresLedger stores loans in the loans table and journals events in the
// same transaction. Atomic units take transaction-scoped advisory locks.
type PostgresLedger struct {
	db     *sqlx.DB
	events *eventstore.EventStore
}

func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db, events: eventstore.NewEventStore(db)}
}

func (p *PostgresLedger) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context, l Ledger) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return mapPQError(fmt.Errorf("lock %s: %w", key, err))
		}
	}

	if err := fn(ctx, &pgLedger{q: tx, tx: tx, events: p.events}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapPQError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (p *PostgresLedger) reader() *pgLedger {
	return &pgLedger{q: p.db, events: p.events}
}

func (p *PostgresLedger) FindByID(ctx context.Context, id uuid.UUID) (*Loan, error) {
	return p.reader().FindByID(ctx, id)
}

func (p *PostgresLedger) FindByMember(ctx context.Context, memberID uuid.UUID) ([]*Loan, error) {
	return p.reader().FindByMember(ctx, memberID)
}

func (p *PostgresLedger) FindOutstandingByBook(ctx context.Context, bookID uuid.UUID) (*Loan, error) {
	return p.reader().FindOutstandingByBook(ctx, bookID)
}

func (p *PostgresLedger) OutstandingBookIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	return p.reader().OutstandingBookIDs(ctx)
}

// DoubleLentBooks counts books with more than one outstanding loan.
func (p *PostgresLedger) DoubleLentBooks(ctx context.Context) (int, error) {
	lent := dialect.From(tableLoans).
		Select("book_id").
		Where(outstanding()).
		GroupBy("book_id").
		Having(goqu.COUNT("*").Gt(1))
	query, args, err := dialect.From(lent.As("lent")).Prepared(true).
		Select(goqu.COUNT("*")).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var n int
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count double-lent books: %w", err)
	}
	return n, nil
}

// Save outside Atomically still runs in its own transaction so the row and
// its events commit together.
func (p *PostgresLedger) Save(ctx context.Context, loan *Loan, events ...eventstore.Event) error {
	return p.Atomically(ctx, nil, func(ctx context.Context, l Ledger) error {
		return l.Save(ctx, loan, events...)
	})
}

func (p *PostgresLedger) History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return p.events.LoadEvents(ctx, loanID, 1, 0)
}

type pgLedger struct {
	q      sqlx.ExtContext
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (l *pgLedger) selectLoans() *goqu.SelectDataset {
	return dialect.From(tableLoans).Prepared(true).Select(loanColumns...)
}

func (l *pgLedger) FindByID(ctx context.Context, id uuid.UUID) (*Loan, error) {
	query, args, err := l.selectLoans().Where(goqu.C("id").Eq(id.String())).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	loan := &Loan{}
	if err := sqlx.GetContext(ctx, l.q, loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("find loan %s: %w", id, err)
	}
	return loan, nil
}

func (l *pgLedger) FindByMember(ctx context.Context, memberID uuid.UUID) ([]*Loan, error) {
	query, args, err := l.selectLoans().
		Where(goqu.C("member_id").Eq(memberID.String())).
		Order(goqu.C("loan_date").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var loans []*Loan
	if err := sqlx.SelectContext(ctx, l.q, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("find loans of %s: %w", memberID, err)
	}
	return loans, nil
}

func (l *pgLedger) FindOutstandingByBook(ctx context.Context, bookID uuid.UUID) (*Loan, error) {
	query, args, err := l.selectLoans().
		Where(goqu.C("book_id").Eq(bookID.String()), outstanding()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	loan := &Loan{}
	if err := sqlx.GetContext(ctx, l.q, loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find outstanding loan for %s: %w", bookID, err)
	}
	return loan, nil
}

func (l *pgLedger) OutstandingBookIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	query, args, err := dialect.From(tableLoans).Prepared(true).
		Select("book_id").
		Where(outstanding()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var bookIDs []uuid.UUID
	if err := sqlx.SelectContext(ctx, l.q, &bookIDs, query, args...); err != nil {
		return nil, fmt.Errorf("list outstanding books: %w", err)
	}
	ids := make(map[uuid.UUID]struct{}, len(bookIDs))
	for _, id := range bookIDs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (l *pgLedger) Save(ctx context.Context, loan *Loan, events ...eventstore.Event) error {
	if l.tx == nil {
		return errors.New("save requires a transaction")
	}

	var err error
	if loan.Version == 1 {
		err = l.insert(ctx, loan)
	} else {
		err = l.update(ctx, loan)
	}
	if err != nil {
		return err
	}

	if len(events) > 0 {
		err := l.events.AppendEventsTx(ctx, l.tx, loan.ID, AggregateType, loan.Version-len(events), events)
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %v", ErrConflictRetryable, err)
		}
		if err != nil {
			return mapPQError(fmt.Errorf("journal loan %s: %w", loan.ID, err))
		}
	}
	return nil
}

func (l *pgLedger) insert(ctx context.Context, loan *Loan) error {
	query, args, err := dialect.Insert(tableLoans).Prepared(true).Rows(goqu.Record{
		"id":          loan.ID.String(),
		"member_id":   loan.MemberID.String(),
		"book_id":     loan.BookID.String(),
		"isbn":        loan.ISBN,
		"loan_date":   loan.LoanDate,
		"due_date":    loan.DueDate,
		"return_date": loan.ReturnDate,
		"fine":        loan.Fine,
		"extensions":  loan.Extensions,
		"version":     loan.Version,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := l.q.ExecContext(ctx, query, args...); err != nil {
		return mapPQError(fmt.Errorf("insert loan %s: %w", loan.ID, err))
	}
	return nil
}

// update is a compare-and-swap on version.
func (l *pgLedger) update(ctx context.Context, loan *Loan) error {
	query, args, err := dialect.Update(tableLoans).Prepared(true).
		Set(goqu.Record{
			"due_date":    loan.DueDate,
			"return_date": loan.ReturnDate,
			"fine":        loan.Fine,
			"extensions":  loan.Extensions,
			"version":     loan.Version,
		}).
		Where(goqu.C("id").Eq(loan.ID.String()), goqu.C("version").Eq(loan.Version-1)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := l.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPQError(fmt.Errorf("update loan %s: %w", loan.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: loan %s moved past version %d", ErrConflictRetryable, loan.ID, loan.Version-1)
	}
	return nil
}

func (l *pgLedger) History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return l.events.LoadEvents(ctx, loanID, 1, 0)
}

// mapPQError turns Postgres constraint and concurrency failures into
// circulation errors and passes everything else through.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqUniqueViolation:
		if pqErr.Constraint == outstandingIndex {
			return ErrBookNotAvailable
		}
		return fmt.Errorf("%w: %v", ErrConflictRetryable, err)
	case pqSerializationFailure, pqDeadlockDetected:
		return fmt.Errorf("%w: %v", ErrConflictRetryable, err)
	}
	return err
}
