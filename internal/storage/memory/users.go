package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/daoistvideo/platform/internal/domain/users"
)

// UserRepository implements users.Repository in-memory.
type UserRepository struct {
	mu    sync.RWMutex
	store map[string]users.User
}

// NewUserRepository constructs repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{store: make(map[string]users.User)}
}

func (r *UserRepository) FindByID(_ context.Context, id string) (users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.store[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) FindByUsername(_ context.Context, username string) (users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.store {
		if u.Username == username {
			return u, nil
		}
	}
	return users.User{}, users.ErrNotFound
}

func (r *UserRepository) FindByEmail(_ context.Context, email string) (users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.store {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return users.User{}, users.ErrNotFound
}

func (r *UserRepository) Save(_ context.Context, user users.User) (users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, u := range r.store {
		if id == user.ID {
			continue
		}
		if u.Username == user.Username {
			return users.User{}, users.ErrUsernameExists
		}
		if user.Email != "" && strings.EqualFold(u.Email, user.Email) {
			return users.User{}, users.ErrEmailExists
		}
	}

	now := nowUTC()
	if user.ID == "" {
		user.ID = newID()
		user.CreatedAt = now
	} else if existing, ok := r.store[user.ID]; ok {
		if user.CreatedAt.IsZero() {
			user.CreatedAt = existing.CreatedAt
		}
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	r.store[user.ID] = user
	return user, nil
}

// List returns users newest first.
func (r *UserRepository) List(context.Context) ([]users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]users.User, 0, len(r.store))
	for _, u := range r.store {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (r *UserRepository) Count(context.Context) (users.Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c users.Counts
	for _, u := range r.store {
		c.Total++
		if u.IsAdmin() {
			c.Admins++
		}
	}
	return c, nil
}

// Ensure interface satisfaction at compile time.
var _ users.Repository = (*UserRepository)(nil)
