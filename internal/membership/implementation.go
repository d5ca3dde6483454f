package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lms/internal/logging"
)

// service implements the Service interface.
type service struct {
	repo        Repository
	rateLimiter *rate.Limiter
	guard       LoanGuard
	logger      logging.Logger
	now         func() time.Time
}

type Option func(*service)

// WithLimiter replaces the default limiter shared by register and login.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *service) { s.rateLimiter = l }
}

// WithLoanGuard makes DeleteMember refuse members with outstanding loans.
func WithLoanGuard(g LoanGuard) Option {
	return func(s *service) { s.guard = g }
}

func WithLogger(l logging.Logger) Option {
	return func(s *service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new membership service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:        repo,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/5), 5), // 5 requests per minute
		logger:      logging.NewDiscardLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterMember creates a new member.
func (s *service) RegisterMember(ctx context.Context, reg Registration) (*Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	username := strings.TrimSpace(reg.Username)
	if username == "" || reg.Password == "" || strings.TrimSpace(reg.Name) == "" {
		return nil, fmt.Errorf("%w: username, name and password are required", ErrInvalidMember)
	}

	passwordHash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	member := &Member{
		ID:          uuid.New(),
		Username:    username,
		Name:        strings.TrimSpace(reg.Name),
		Email:       strings.TrimSpace(reg.Email),
		Address:     reg.Address,
		ContactInfo: reg.ContactInfo,
		Role:        RoleMember,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	member.setRegistrationDate(now)

	credential := &Credential{
		MemberID:     member.ID,
		PasswordHash: passwordHash,
		Salt:         salt,
	}

	if err := s.repo.Create(ctx, member, credential); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "member registered", "member_id", member.ID, "username", member.Username)
	return member, nil
}

// Authenticate verifies a member's credentials and returns the member if successful.
func (s *service) Authenticate(ctx context.Context, username, password string) (*Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	member, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	credential, err := s.repo.GetCredential(ctx, member.ID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(password, credential.Salt, credential.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		s.logger.Info(ctx, "login rejected", "username", member.Username)
		return nil, ErrInvalidCredentials
	}

	return member, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) GetMemberByUsername(ctx context.Context, username string) (*Member, error) {
	return s.repo.GetByUsername(ctx, strings.TrimSpace(username))
}

func (s *service) ListMembers(ctx context.Context) ([]*Member, error) {
	return s.repo.List(ctx)
}

// SearchMembersByName matches a case-insensitive substring of the name.
func (s *service) SearchMembersByName(ctx context.Context, name string) ([]*Member, error) {
	return s.repo.SearchByName(ctx, strings.TrimSpace(name))
}

// UpdateMember replaces the profile fields. Membership dates only move when a
// new registration date is supplied.
func (s *service) UpdateMember(ctx context.Context, id uuid.UUID, upd MemberUpdate) (*Member, error) {
	member, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(upd.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidMember)
	}

	member.Name = strings.TrimSpace(upd.Name)
	member.Email = strings.TrimSpace(upd.Email)
	member.Address = upd.Address
	member.ContactInfo = upd.ContactInfo
	if upd.RegistrationDate != nil {
		member.setRegistrationDate(upd.RegistrationDate.UTC())
	}
	member.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// DeleteMember removes the member and their credentials. Loan history is kept.
func (s *service) DeleteMember(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}

	remove := func(ctx context.Context) error {
		return s.repo.Delete(ctx, id)
	}
	var err error
	if s.guard != nil {
		err = s.guard.WhileNoOutstandingLoans(ctx, id, remove)
	} else {
		err = remove(ctx)
	}
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "member deleted", "member_id", id)
	return nil
}

func (s *service) PromoteMember(ctx context.Context, id uuid.UUID, role string) (*Member, error) {
	role = strings.ToUpper(strings.TrimSpace(role))
	if role != RoleMember && role != RoleLibrarian {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	member, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	member.Role = role
	member.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, member); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "member role changed", "member_id", id, "role", role)
	return member, nil
}
