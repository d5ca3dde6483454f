package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Loan links one member to one book. It is outstanding until ReturnDate is
// set, and a returned loan never changes again.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	MemberID   uuid.UUID  `json:"member_id" db:"member_id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	ISBN       string     `json:"isbn" db:"isbn"`
	LoanDate   time.Time  `json:"loan_date" db:"loan_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	Fine       float64    `json:"fine" db:"fine"`
	Extensions int        `json:"extensions" db:"extensions"`
	Version    int        `json:"version" db:"version"`
}

func (l *Loan) IsOutstanding() bool {
	return l.ReturnDate == nil
}

// IsOverdue reports whether an outstanding loan's due date has passed.
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.IsOutstanding() && l.DueDate.Before(now)
}

func (l *Loan) clone() *Loan {
	cp := *l
	if l.ReturnDate != nil {
		rd := *l.ReturnDate
		cp.ReturnDate = &rd
	}
	return &cp
}

// Policy holds the lending rules.
type Policy struct {
	LoanDays       int
	RenewalDays    int
	MaxActiveLoans int
	MaxRenewals    int
	FinePerDay     float64
	FineCap        float64
}

func DefaultPolicy() Policy {
	return Policy{
		LoanDays:       14,
		RenewalDays:    14,
		MaxActiveLoans: 3,
		MaxRenewals:    2,
		FinePerDay:     0.5,
		FineCap:        20.0,
	}
}

// Fine is charged per whole day late; a partial day counts for nothing.
func (p Policy) Fine(due, returned time.Time) float64 {
	if !returned.After(due) {
		return 0
	}
	days := int(returned.Sub(due) / (24 * time.Hour))
	return min(p.FineCap, p.FinePerDay*float64(days))
}

const (
	AggregateType = "loan"

	EventLoanBorrowed = "LoanBorrowed"
	EventLoanRenewed  = "LoanRenewed"
	EventLoanReturned = "LoanReturned"
)

// LoanBorrowed is journaled when a loan is created.
type LoanBorrowed struct {
	LoanID   uuid.UUID `json:"loan_id"`
	MemberID uuid.UUID `json:"member_id"`
	BookID   uuid.UUID `json:"book_id"`
	ISBN     string    `json:"isbn"`
	LoanDate time.Time `json:"loan_date"`
	DueDate  time.Time `json:"due_date"`
}

// LoanRenewed is journaled when a renewal moves the due date.
type LoanRenewed struct {
	LoanID     uuid.UUID `json:"loan_id"`
	DueDate    time.Time `json:"due_date"`
	Extensions int       `json:"extensions"`
}

// LoanReturned is journaled when a loan is closed.
type LoanReturned struct {
	LoanID     uuid.UUID `json:"loan_id"`
	ReturnDate time.Time `json:"return_date"`
	Fine       float64   `json:"fine"`
}
