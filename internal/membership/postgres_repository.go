package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const memberColumns = `id, username, name, email, address, contact_info, role,
	registration_date, membership_expiry_date, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the member and credential rows in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, m *Member, c *Credential) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (:id, :username, :name, :email, :address, :contact_info, :role,
			:registration_date, :membership_expiry_date, :created_at, :updated_at)
	`, m)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrUsernameTaken
		}
		return fmt.Errorf("insert member: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES (:member_id, :password_hash, :salt)
	`, c)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Member, error) {
	return r.getOne(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*Member, error) {
	return r.getOne(ctx, `SELECT `+memberColumns+` FROM members WHERE username = $1`, username)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*Member, error) {
	member := &Member{}
	if err := r.db.GetContext(ctx, member, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return member, nil
}

func (r *PostgresRepository) GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error) {
	credential := &Credential{}
	err := r.db.GetContext(ctx, credential, `
		SELECT member_id, password_hash, salt
		FROM credentials
		WHERE member_id = $1
	`, memberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return credential, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Member, error) {
	var members []*Member
	if err := r.db.SelectContext(ctx, &members, `SELECT `+memberColumns+` FROM members ORDER BY username`); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return members, nil
}

func (r *PostgresRepository) SearchByName(ctx context.Context, name string) ([]*Member, error) {
	var members []*Member
	err := r.db.SelectContext(ctx, &members,
		`SELECT `+memberColumns+` FROM members WHERE name ILIKE $1 ESCAPE '\' ORDER BY username`,
		"%"+escapeLike(name)+"%")
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return members, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *PostgresRepository) Update(ctx context.Context, m *Member) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE members
		SET name = :name, email = :email, address = :address, contact_info = :contact_info,
			role = :role, registration_date = :registration_date,
			membership_expiry_date = :membership_expiry_date, updated_at = :updated_at
		WHERE id = :id
	`, m)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes the member; credentials go with it via ON DELETE CASCADE.
func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}
