package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"lms/internal/circulation"
	"lms/pkg/eventstore"
)

func (c *Client) Borrow(ctx context.Context, isbn string) (*circulation.Loan, error) {
	var out circulation.Loan
	path := "/api/loans/borrow?isbn=" + url.QueryEscape(isbn)
	if err := c.do(ctx, http.MethodPost, path, nil, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Renew(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	return c.loanAction(ctx, loanID, "renew")
}

func (c *Client) Return(ctx context.Context, loanID uuid.UUID) (*circulation.Loan, error) {
	return c.loanAction(ctx, loanID, "return")
}

func (c *Client) loanAction(ctx context.Context, loanID uuid.UUID, action string) (*circulation.Loan, error) {
	var out circulation.Loan
	if err := c.do(ctx, http.MethodPost, "/api/loans/"+loanID.String()+"/"+action, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MyLoans(ctx context.Context) ([]*circulation.Loan, error) {
	var out []*circulation.Loan
	err := c.do(ctx, http.MethodGet, "/api/loans/my", nil, &out, http.StatusOK)
	return out, err
}

func (c *Client) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	var out []eventstore.Event
	err := c.do(ctx, http.MethodGet, "/api/loans/"+loanID.String()+"/history", nil, &out, http.StatusOK)
	return out, err
}
