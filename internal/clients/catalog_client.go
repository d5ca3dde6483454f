package clients

import (
	"context"
	"net/http"
	"net/url"

	"lms/internal/catalog"
)

func (c *Client) AddBook(ctx context.Context, book catalog.NewBook) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodPost, "/api/books", book, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBook(ctx context.Context, isbn string) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodGet, "/api/books/"+url.PathEscape(isbn), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBooks(ctx context.Context) ([]*catalog.Book, error) {
	var out []*catalog.Book
	err := c.do(ctx, http.MethodGet, "/api/books", nil, &out, http.StatusOK)
	return out, err
}

func (c *Client) AvailableBooks(ctx context.Context) ([]*catalog.Book, error) {
	var out []*catalog.Book
	err := c.do(ctx, http.MethodGet, "/api/books/available", nil, &out, http.StatusOK)
	return out, err
}
