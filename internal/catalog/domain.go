package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound  = errors.New("book not found")
	ErrDuplicateISBN = errors.New("isbn already catalogued")
	ErrInvalidBook   = errors.New("invalid book")
)

// Book is a catalogued title. The ISBN is globally unique.
type Book struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ISBN          string    `json:"isbn" db:"isbn"`
	Title         string    `json:"title" db:"title"`
	Author        string    `json:"author" db:"author"`
	Publisher     string    `json:"publisher,omitempty" db:"publisher"`
	PublishedYear int       `json:"published_year,omitempty" db:"published_year"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// NewBook is the input for AddBook.
type NewBook struct {
	ISBN          string `json:"isbn"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	Publisher     string `json:"publisher,omitempty"`
	PublishedYear int    `json:"published_year,omitempty"`
}
