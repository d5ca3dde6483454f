package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	RoleMember    = "MEMBER"
	RoleLibrarian = "LIBRARIAN"
)

var (
	ErrMemberNotFound            = errors.New("member not found")
	ErrUsernameTaken             = errors.New("username already taken")
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrInvalidMember             = errors.New("invalid member")
	ErrInvalidRole               = errors.New("invalid role")
	ErrRateLimited               = errors.New("rate limit exceeded")
	ErrMemberHasOutstandingLoans = errors.New("member has outstanding loans")
)

// Member represents a library member.
type Member struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	Username             string    `json:"username" db:"username"`
	Name                 string    `json:"name" db:"name"`
	Email                string    `json:"email" db:"email"`
	Address              string    `json:"address,omitempty" db:"address"`
	ContactInfo          string    `json:"contact_info,omitempty" db:"contact_info"`
	Role                 string    `json:"role" db:"role"`
	RegistrationDate     time.Time `json:"registration_date" db:"registration_date"`
	MembershipExpiryDate time.Time `json:"membership_expiry_date" db:"membership_expiry_date"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Credential represents a member's login credentials.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}

// Registration is the input for RegisterMember.
type Registration struct {
	Username    string `json:"username"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Address     string `json:"address,omitempty"`
	ContactInfo string `json:"contact_info,omitempty"`
}

// MemberUpdate carries profile changes. A nil RegistrationDate leaves both
// membership dates untouched.
type MemberUpdate struct {
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Address          string     `json:"address"`
	ContactInfo      string     `json:"contact_info"`
	RegistrationDate *time.Time `json:"registration_date,omitempty"`
}

// ExpiryFor returns the membership expiry for a registration date.
func ExpiryFor(registered time.Time) time.Time {
	return registered.AddDate(1, 0, 0)
}

// ActiveAt reports whether the membership is still valid at now. The expiry
// day itself counts as valid.
func (m *Member) ActiveAt(now time.Time) bool {
	return !ExpiryFor(m.RegistrationDate).Before(now)
}

func (m *Member) setRegistrationDate(t time.Time) {
	m.RegistrationDate = t
	m.MembershipExpiryDate = ExpiryFor(t)
}
