package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Book
	byISBN map[string]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[uuid.UUID]*Book),
		byISBN: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, book *Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byISBN[book.ISBN]; ok {
		return ErrDuplicateISBN
	}
	cp := *book
	r.byID[book.ID] = &cp
	r.byISBN[book.ISBN] = book.ID
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byID[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) GetByISBN(ctx context.Context, isbn string) (*Book, error) {
	r.mu.RLock()
	id, ok := r.byISBN[isbn]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrBookNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) List(_ context.Context) ([]*Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Book, 0, len(r.byID))
	for _, b := range r.byID {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ISBN < out[j].ISBN
	})
	return out, nil
}
