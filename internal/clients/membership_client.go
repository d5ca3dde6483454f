package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"lms/internal/membership"
)

// Session is the body returned by register and login.
type Session struct {
	Token  string             `json:"token"`
	Member *membership.Member `json:"member"`
}

func (c *Client) Register(ctx context.Context, reg membership.Registration) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", reg, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	in := map[string]string{"username": username, "password": password}
	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", in, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var out membership.Member
	if err := c.do(ctx, http.MethodGet, "/api/members/"+id.String(), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMember(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/members/"+id.String(), nil, nil, http.StatusNoContent)
}

func (c *Client) UpdateMember(ctx context.Context, id uuid.UUID, upd membership.MemberUpdate) (*membership.Member, error) {
	var out membership.Member
	if err := c.do(ctx, http.MethodPut, "/api/members/"+id.String(), upd, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}
