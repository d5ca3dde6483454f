package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"lms/internal/catalog"
	"lms/internal/logging"
	"lms/pkg/eventstore"
)

const instrumentationName = "lms/circulation"

// service implements the Service interface.
type service struct {
	store   Store
	members MemberDirectory
	books   BookCatalog
	policy  Policy
	now     func() time.Time
	logger  logging.Logger

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	operations     metric.Int64Counter
}

type Option func(*service)

func WithPolicy(p Policy) Option {
	return func(s *service) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(s *service) { s.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *service) { s.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) { s.meterProvider = mp }
}

// NewService creates a new circulation service instance.
func NewService(store Store, members MemberDirectory, books BookCatalog, opts ...Option) (Service, error) {
	s := &service{
		store:          store,
		members:        members,
		books:          books,
		policy:         DefaultPolicy(),
		now:            time.Now,
		logger:         logging.NewDiscardLogger(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	counter, err := s.meterProvider.Meter(instrumentationName).Int64Counter(
		"lms.circulation.operations",
		metric.WithDescription("Loan operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	s.operations = counter
	return s, nil
}

// Borrow opens a loan after checking, in order: membership validity, the
// active-loan cap, the overdue gate, the book, and its availability.
func (s *service) Borrow(ctx context.Context, memberID uuid.UUID, isbn string) (loan *Loan, err error) {
	isbn = catalog.NormalizeISBN(isbn)
	ctx, span := s.tracer.Start(ctx, "circulation.borrow", trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("book.isbn", isbn),
	))
	defer func() { s.finish(ctx, span, "borrow", err) }()

	keys := []string{memberKey(memberID), bookKey(isbn)}
	err = s.store.Atomically(ctx, keys, func(ctx context.Context, l Ledger) error {
		now := s.now().UTC()

		member, err := s.members.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if !member.ActiveAt(now) {
			return ErrMembershipExpired
		}

		held, err := l.FindByMember(ctx, memberID)
		if err != nil {
			return err
		}
		var active []*Loan
		for _, h := range held {
			if h.IsOutstanding() {
				active = append(active, h)
			}
		}
		if len(active) >= s.policy.MaxActiveLoans {
			return ErrBorrowLimitReached
		}
		for _, a := range active {
			if a.IsOverdue(now) {
				return ErrHasOverdueBooks
			}
		}

		book, err := s.books.FindByISBN(ctx, isbn)
		if err != nil {
			return err
		}
		available, err := isAvailable(ctx, l, book.ID)
		if err != nil {
			return err
		}
		if !available {
			return ErrBookNotAvailable
		}

		next := &Loan{
			ID:       uuid.New(),
			MemberID: memberID,
			BookID:   book.ID,
			ISBN:     book.ISBN,
			LoanDate: now,
			DueDate:  now.AddDate(0, 0, s.policy.LoanDays),
			Version:  1,
		}
		ev, err := eventstore.NewEvent(next.ID, AggregateType, EventLoanBorrowed, LoanBorrowed{
			LoanID:   next.ID,
			MemberID: next.MemberID,
			BookID:   next.BookID,
			ISBN:     next.ISBN,
			LoanDate: next.LoanDate,
			DueDate:  next.DueDate,
		})
		if err != nil {
			return err
		}
		if err := l.Save(ctx, next, ev); err != nil {
			return err
		}
		loan = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	s.logger.Info(ctx, "loan borrowed", "loan_id", loan.ID, "member_id", memberID, "isbn", isbn, "due", loan.DueDate)
	return loan, nil
}

// Renew pushes the due date out by one renewal period from the current due
// date. The renewal cap is checked before the overdue rule, so a loan that has
// used every renewal always reports ErrMaxRenewalsReached.
func (s *service) Renew(ctx context.Context, memberID, loanID uuid.UUID) (loan *Loan, err error) {
	ctx, span := s.startLoanSpan(ctx, "circulation.renew", memberID, loanID)
	defer func() { s.finish(ctx, span, "renew", err) }()

	err = s.store.Atomically(ctx, []string{loanKey(loanID)}, func(ctx context.Context, l Ledger) error {
		current, err := ownedLoan(ctx, l, memberID, loanID)
		if err != nil {
			return err
		}
		if !current.IsOutstanding() {
			return ErrAlreadyReturned
		}
		if current.Extensions >= s.policy.MaxRenewals {
			return ErrMaxRenewalsReached
		}
		if current.IsOverdue(s.now().UTC()) {
			return ErrOverdueCannotRenew
		}

		current.DueDate = current.DueDate.AddDate(0, 0, s.policy.RenewalDays)
		current.Extensions++
		current.Version++

		ev, err := eventstore.NewEvent(current.ID, AggregateType, EventLoanRenewed, LoanRenewed{
			LoanID:     current.ID,
			DueDate:    current.DueDate,
			Extensions: current.Extensions,
		})
		if err != nil {
			return err
		}
		if err := l.Save(ctx, current, ev); err != nil {
			return err
		}
		loan = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "loan renewed", "loan_id", loanID, "due", loan.DueDate, "extensions", loan.Extensions)
	return loan, nil
}

// ReturnLoan closes the loan and fixes its fine.
func (s *service) ReturnLoan(ctx context.Context, memberID, loanID uuid.UUID) (loan *Loan, err error) {
	ctx, span := s.startLoanSpan(ctx, "circulation.return", memberID, loanID)
	defer func() { s.finish(ctx, span, "return", err) }()

	err = s.store.Atomically(ctx, []string{loanKey(loanID)}, func(ctx context.Context, l Ledger) error {
		current, err := ownedLoan(ctx, l, memberID, loanID)
		if err != nil {
			return err
		}
		if !current.IsOutstanding() {
			return ErrAlreadyReturned
		}

		now := s.now().UTC()
		current.ReturnDate = &now
		current.Fine = s.policy.Fine(current.DueDate, now)
		current.Version++

		ev, err := eventstore.NewEvent(current.ID, AggregateType, EventLoanReturned, LoanReturned{
			LoanID:     current.ID,
			ReturnDate: now,
			Fine:       current.Fine,
		})
		if err != nil {
			return err
		}
		if err := l.Save(ctx, current, ev); err != nil {
			return err
		}
		loan = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Float64("loan.fine", loan.Fine))
	s.logger.Info(ctx, "loan returned", "loan_id", loanID, "fine", loan.Fine)
	return loan, nil
}

func (s *service) ListLoansOf(ctx context.Context, memberID uuid.UUID) ([]*Loan, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return s.store.FindByMember(ctx, memberID)
}

// ListAvailableBooks returns catalogued books with no outstanding loan.
func (s *service) ListAvailableBooks(ctx context.Context) ([]*catalog.Book, error) {
	books, err := s.books.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	lent, err := s.store.OutstandingBookIDs(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]*catalog.Book, 0, len(books))
	for _, b := range books {
		if _, out := lent[b.ID]; !out {
			available = append(available, b)
		}
	}
	return available, nil
}

func (s *service) IsAvailable(ctx context.Context, isbn string) (bool, error) {
	book, err := s.books.FindByISBN(ctx, isbn)
	if err != nil {
		return false, err
	}
	return isAvailable(ctx, s.store, book.ID)
}

// LoanHistory returns the journal of a loan the member owns.
func (s *service) LoanHistory(ctx context.Context, memberID, loanID uuid.UUID) ([]eventstore.Event, error) {
	if _, err := ownedLoan(ctx, s.store, memberID, loanID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, loanID)
}

// isAvailable is the availability test shared by Borrow and IsAvailable.
func isAvailable(ctx context.Context, l Ledger, bookID uuid.UUID) (bool, error) {
	loan, err := l.FindOutstandingByBook(ctx, bookID)
	if err != nil {
		return false, err
	}
	return loan == nil, nil
}

func ownedLoan(ctx context.Context, l Ledger, memberID, loanID uuid.UUID) (*Loan, error) {
	loan, err := l.FindByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.MemberID != memberID {
		return nil, ErrNotYourLoan
	}
	return loan, nil
}

func (s *service) startLoanSpan(ctx context.Context, name string, memberID, loanID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("member.id", memberID.String()),
		attribute.String("loan.id", loanID.String()),
	))
}

// finish records the outcome on the span, the operations counter and the log,
// then ends the span.
func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	code := Code(err)
	span.SetAttributes(attribute.String("result", code))
	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", code),
	))

	switch {
	case err == nil:
	case IsRejection(err):
		s.logger.Info(ctx, op+" rejected", "code", code)
	case errors.Is(err, ErrConflictRetryable):
		s.logger.Warn(ctx, op+" conflict", "error", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, op+" failed", "error", err)
	}
}
