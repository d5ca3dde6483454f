package membership

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu          sync.RWMutex
	members     map[uuid.UUID]*Member
	byUsername  map[string]uuid.UUID
	credentials map[uuid.UUID]*Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:     make(map[uuid.UUID]*Member),
		byUsername:  make(map[string]uuid.UUID),
		credentials: make(map[uuid.UUID]*Credential),
	}
}

func (r *MemoryRepository) Create(_ context.Context, m *Member, c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUsername[m.Username]; ok {
		return ErrUsernameTaken
	}
	mc, cc := *m, *c
	r.members[m.ID] = &mc
	r.byUsername[m.Username] = m.ID
	r.credentials[m.ID] = &cc
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *MemoryRepository) GetByUsername(_ context.Context, username string) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[username]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return r.get(id)
}

func (r *MemoryRepository) get(id uuid.UUID) (*Member, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) GetCredential(_ context.Context, memberID uuid.UUID) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.credentials[memberID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Member, error) {
	return r.filter(func(*Member) bool { return true }), nil
}

func (r *MemoryRepository) SearchByName(_ context.Context, name string) ([]*Member, error) {
	needle := strings.ToLower(name)
	return r.filter(func(m *Member) bool {
		return strings.Contains(strings.ToLower(m.Name), needle)
	}), nil
}

func (r *MemoryRepository) filter(keep func(*Member) bool) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *MemoryRepository) Update(_ context.Context, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m.ID]; !ok {
		return ErrMemberNotFound
	}
	cp := *m
	r.members[m.ID] = &cp
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	delete(r.byUsername, m.Username)
	delete(r.members, id)
	delete(r.credentials, id)
	return nil
}
