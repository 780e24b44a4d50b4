package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/daoistvideo/platform/internal/cache"
)

var (
	ErrNotImplemented  = errors.New("users repository: not implemented")
	ErrNotFound        = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrUsernameExists  = errors.New("username already in use")
	ErrEmailExists     = errors.New("email already in use")
	ErrInactive        = errors.New("user account is disabled")
	ErrValidation      = errors.New("invalid user data")
)

const (
	minPasswordLength = 8
	profileTTL        = 15 * time.Minute
)

// Role separates administrators from regular viewers.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User represents an authenticated user record.
type User struct {
	ID           string
	Username     string
	Email        string
	FirstName    string
	LastName     string
	Role         Role
	IsActive     bool
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Permissions lists what a user may do in the video library.
type Permissions struct {
	CanUploadVideo   bool `json:"can_upload_video"`
	CanManageVideos  bool `json:"can_manage_videos"`
	CanViewVideos    bool `json:"can_view_videos"`
	CanComposeVideos bool `json:"can_compose_videos"`
}

// PermissionsFor derives permissions from the user's role.
func PermissionsFor(u User) Permissions {
	return Permissions{
		CanUploadVideo:   u.IsAdmin(),
		CanManageVideos:  u.IsAdmin(),
		CanViewVideos:    true,
		CanComposeVideos: true,
	}
}

// Counts summarises the user base.
type Counts struct {
	Total  int
	Admins int
}

// Repository defines persistence behaviour for users.
type Repository interface {
	FindByID(ctx context.Context, id string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	Save(ctx context.Context, user User) (User, error)
	List(ctx context.Context) ([]User, error)
	Count(ctx context.Context) (Counts, error)
}

// NullRepository can be used when no storage is configured.
type NullRepository struct{}

func (NullRepository) FindByID(context.Context, string) (User, error) {
	return User{}, ErrNotImplemented
}
func (NullRepository) FindByUsername(context.Context, string) (User, error) {
	return User{}, ErrNotImplemented
}
func (NullRepository) FindByEmail(context.Context, string) (User, error) {
	return User{}, ErrNotImplemented
}
func (NullRepository) Save(context.Context, User) (User, error) { return User{}, ErrNotImplemented }
func (NullRepository) List(context.Context) ([]User, error)     { return nil, ErrNotImplemented }
func (NullRepository) Count(context.Context) (Counts, error)    { return Counts{}, ErrNotImplemented }

// Service exposes user registration, authentication and profile logic.
type Service interface {
	Register(ctx context.Context, input RegisterInput) (User, error)
	Authenticate(ctx context.Context, username, password string) (User, error)
	Get(ctx context.Context, id string) (User, error)
	Permissions(ctx context.Context, id string) (User, Permissions, error)
	UpdateProfile(ctx context.Context, id string, input UpdateInput) (User, error)
	List(ctx context.Context) ([]User, error)
	Counts(ctx context.Context) (Counts, error)
}

// RegisterInput captures data required to create an account.
type RegisterInput struct {
	Username        string
	Email           string
	Password        string
	PasswordConfirm string
	Role            Role
}

// UpdateInput carries optional profile changes.
type UpdateInput struct {
	Email     *string
	FirstName *string
	LastName  *string
}

type service struct {
	repo  Repository
	cost  int
	cache cache.Cache
}

// NewService constructs a user service.
func NewService(repo Repository) Service {
	return &service{repo: repo, cost: bcrypt.DefaultCost}
}

// NewServiceWithCost is NewService with an explicit bcrypt cost. Tests use
// bcrypt.MinCost to stay fast.
func NewServiceWithCost(repo Repository, cost int) Service {
	return &service{repo: repo, cost: cost}
}

// NewCachedService keeps profiles and permissions in c for fifteen minutes.
// A cost of zero means bcrypt.DefaultCost.
func NewCachedService(repo Repository, cost int, c cache.Cache) Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &service{repo: repo, cost: cost, cache: c}
}

func profileKey(id string) string     { return "user:profile:" + id }
func permissionsKey(id string) string { return "user:permissions:" + id }

func (s *service) Register(ctx context.Context, input RegisterInput) (User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if len(username) > 150 {
		return User{}, fmt.Errorf("%w: username must be at most 150 characters", ErrValidation)
	}
	if len(input.Password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	if input.Password != input.PasswordConfirm {
		return User{}, fmt.Errorf("%w: passwords do not match", ErrValidation)
	}

	role := input.Role
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	email := normalizeEmail(input.Email)
	if email != "" && !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: invalid email address", ErrValidation)
	}

	if err := s.ensureUnused(ctx, username, email); err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.Save(ctx, User{
		Username:     username,
		Email:        email,
		Role:         role,
		IsActive:     true,
		PasswordHash: string(hash),
	})
}

func (s *service) ensureUnused(ctx context.Context, username, email string) error {
	if _, err := s.repo.FindByUsername(ctx, username); err == nil {
		return ErrUsernameExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if email == "" {
		return nil
	}
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return ErrEmailExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, fmt.Errorf("%w: username and password are required", ErrValidation)
	}

	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidPassword
	}
	if !user.IsActive {
		return User{}, ErrInactive
	}
	return user, nil
}

// Get returns the user without the password hash.
func (s *service) Get(ctx context.Context, id string) (User, error) {
	if s.cache != nil {
		var u User
		err := cache.GetJSON(ctx, s.cache, profileKey(id), &u)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			slog.Default().Warn("user cache read failed", "user_id", id, "err", err)
		}
	}
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = ""
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, profileKey(id), u, profileTTL); err != nil {
			slog.Default().Warn("user cache write failed", "user_id", id, "err", err)
		}
	}
	return u, nil
}

// Permissions returns the user with the permissions of their role.
func (s *service) Permissions(ctx context.Context, id string) (User, Permissions, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return User{}, Permissions{}, err
	}
	if s.cache == nil {
		return u, PermissionsFor(u), nil
	}
	var p Permissions
	if err := cache.GetJSON(ctx, s.cache, permissionsKey(id), &p); err == nil {
		return u, p, nil
	}
	p = PermissionsFor(u)
	if err := cache.SetJSON(ctx, s.cache, permissionsKey(id), p, profileTTL); err != nil {
		slog.Default().Warn("user cache write failed", "user_id", id, "err", err)
	}
	return u, p, nil
}

func (s *service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, profileKey(id), permissionsKey(id)); err != nil {
		slog.Default().Warn("user cache invalidation failed", "user_id", id, "err", err)
	}
}

func (s *service) UpdateProfile(ctx context.Context, id string, input UpdateInput) (User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}

	if input.Email != nil {
		email := normalizeEmail(*input.Email)
		if email != "" && !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: invalid email address", ErrValidation)
		}
		if email != "" && email != user.Email {
			if other, err := s.repo.FindByEmail(ctx, email); err == nil && other.ID != user.ID {
				return User{}, ErrEmailExists
			} else if err != nil && !errors.Is(err, ErrNotFound) {
				return User{}, err
			}
		}
		user.Email = email
	}
	if input.FirstName != nil {
		user.FirstName = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		user.LastName = strings.TrimSpace(*input.LastName)
	}
	saved, err := s.repo.Save(ctx, user)
	if err != nil {
		return User{}, err
	}
	s.invalidate(ctx, id)
	return saved, nil
}

func (s *service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

func (s *service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.Count(ctx)
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
