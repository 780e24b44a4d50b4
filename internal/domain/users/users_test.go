package users_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"golang.org/x/crypto/bcrypt"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/domain/users"
	memstore "github.com/daoistvideo/platform/internal/storage/memory"
)

func newService() users.Service {
	return users.NewServiceWithCost(memstore.NewUserRepository(), bcrypt.MinCost)
}

func register(t *testing.T, svc users.Service, username, email string) users.User {
	t.Helper()
	user, err := svc.Register(context.Background(), users.RegisterInput{
		Username:        username,
		Email:           email,
		Password:        "supersecret",
		PasswordConfirm: "supersecret",
	})
	if err != nil {
		t.Fatalf("register %s failed: %v", username, err)
	}
	return user
}

func TestServiceRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	user := register(t, svc, "laozi", "Laozi@Example.com")
	if user.ID == "" {
		t.Fatalf("expected ID to be set")
	}
	if user.PasswordHash == "" || user.PasswordHash == "supersecret" {
		t.Fatalf("expected hashed password")
	}
	if user.Role != users.RoleUser || !user.IsActive {
		t.Fatalf("unexpected defaults: role=%s active=%v", user.Role, user.IsActive)
	}
	if user.Email != "laozi@example.com" {
		t.Fatalf("expected normalised email, got %s", user.Email)
	}

	authed, err := svc.Authenticate(ctx, "laozi", "supersecret")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if authed.ID != user.ID {
		t.Fatalf("expected same user ID")
	}

	if _, err := svc.Authenticate(ctx, "laozi", "wrong"); !errors.Is(err, users.ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "supersecret"); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	register(t, svc, "zhuangzi", "zz@example.com")

	cases := []struct {
		name  string
		input users.RegisterInput
		want  error
	}{
		{"short password", users.RegisterInput{Username: "a", Password: "short", PasswordConfirm: "short"}, users.ErrValidation},
		{"mismatch", users.RegisterInput{Username: "a", Password: "longenough", PasswordConfirm: "different"}, users.ErrValidation},
		{"missing username", users.RegisterInput{Password: "longenough", PasswordConfirm: "longenough"}, users.ErrValidation},
		{"bad role", users.RegisterInput{Username: "a", Password: "longenough", PasswordConfirm: "longenough", Role: "root"}, users.ErrValidation},
		{"bad email", users.RegisterInput{Username: "a", Email: "nope", Password: "longenough", PasswordConfirm: "longenough"}, users.ErrValidation},
		{"duplicate username", users.RegisterInput{Username: "zhuangzi", Password: "longenough", PasswordConfirm: "longenough"}, users.ErrUsernameExists},
		{"duplicate email", users.RegisterInput{Username: "b", Email: "ZZ@example.com", Password: "longenough", PasswordConfirm: "longenough"}, users.ErrEmailExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestServiceAuthenticateInactive(t *testing.T) {
	ctx := context.Background()
	repo := memstore.NewUserRepository()
	svc := users.NewServiceWithCost(repo, bcrypt.MinCost)

	user := register(t, svc, "liezi", "")
	user.IsActive = false
	if _, err := repo.Save(ctx, user); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "liezi", "supersecret"); !errors.Is(err, users.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestServiceUpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	user := register(t, svc, "laozi", "laozi@example.com")
	register(t, svc, "zhuangzi", "zz@example.com")

	first, last := "Li", "Er"
	updated, err := svc.UpdateProfile(ctx, user.ID, users.UpdateInput{FirstName: &first, LastName: &last})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.FirstName != "Li" || updated.LastName != "Er" || updated.Email != "laozi@example.com" {
		t.Fatalf("unexpected profile: %+v", updated)
	}

	taken := "zz@example.com"
	if _, err := svc.UpdateProfile(ctx, user.ID, users.UpdateInput{Email: &taken}); !errors.Is(err, users.ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestServiceCountsAndPermissions(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	register(t, svc, "viewer", "")
	admin, err := svc.Register(ctx, users.RegisterInput{
		Username: "master", Password: "supersecret", PasswordConfirm: "supersecret", Role: users.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("register admin failed: %v", err)
	}

	counts, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Total != 2 || counts.Admins != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	perms := users.PermissionsFor(admin)
	if !perms.CanUploadVideo || !perms.CanManageVideos {
		t.Fatalf("admin should manage videos: %+v", perms)
	}
	viewer, _ := svc.Authenticate(ctx, "viewer", "supersecret")
	perms = users.PermissionsFor(viewer)
	if perms.CanUploadVideo || !perms.CanViewVideos || !perms.CanComposeVideos {
		t.Fatalf("unexpected viewer permissions %+v", perms)
	}
}

func TestCachedProfileAndPermissions(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	rc := cache.NewRedisWithPool(&redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	})
	t.Cleanup(func() { rc.Close() })
	repo := memstore.NewUserRepository()
	svc := users.NewCachedService(repo, bcrypt.MinCost, rc)

	user := register(t, svc, "zhangdaoling", "zdl@example.com")
	got, perms, err := svc.Permissions(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "zhangdaoling" || got.PasswordHash != "" {
		t.Fatalf("unexpected profile %+v", got)
	}
	if perms.CanUploadVideo || !perms.CanViewVideos {
		t.Fatalf("unexpected permissions %+v", perms)
	}
	for _, key := range []string{"user:profile:", "user:permissions:"} {
		if !s.Exists("daoist_video:" + key + user.ID) {
			t.Fatalf("expected %s in redis, keys %v", key, s.Keys())
		}
	}

	stored, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	stored.FirstName = "Changed elsewhere"
	if _, err := repo.Save(ctx, stored); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Get(ctx, user.ID); got.FirstName != "" {
		t.Fatalf("expected the cached profile, got %+v", got)
	}

	first := "Daoling"
	if _, err := svc.UpdateProfile(ctx, user.ID, users.UpdateInput{FirstName: &first}); err != nil {
		t.Fatal(err)
	}
	if s.Exists("daoist_video:user:permissions:" + user.ID) {
		t.Fatalf("profile update left permissions cached")
	}
	if got, _ := svc.Get(ctx, user.ID); got.FirstName != first {
		t.Fatalf("expected the updated profile, got %+v", got)
	}
}
