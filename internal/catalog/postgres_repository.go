package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, book *Book) error {
	query := `
		INSERT INTO books (id, isbn, title, author, publisher, published_year, created_at)
		VALUES (:id, :isbn, :title, :author, :publisher, :published_year, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, book)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateISBN
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Book, error) {
	return r.getOne(ctx, `
		SELECT id, isbn, title, author, publisher, published_year, created_at
		FROM books
		WHERE id = $1
	`, id)
}

func (r *PostgresRepository) GetByISBN(ctx context.Context, isbn string) (*Book, error) {
	return r.getOne(ctx, `
		SELECT id, isbn, title, author, publisher, published_year, created_at
		FROM books
		WHERE isbn = $1
	`, isbn)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*Book, error) {
	book := &Book{}
	if err := r.db.GetContext(ctx, book, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return book, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Book, error) {
	var books []*Book
	err := r.db.SelectContext(ctx, &books, `
		SELECT id, isbn, title, author, publisher, published_year, created_at
		FROM books
		ORDER BY title, isbn
	`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return books, nil
}
