package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/domain/users"
)

type userResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Role      users.Role `json:"role"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

func toUserResponse(u users.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

type tokensResponse struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func toTokensResponse(p auth.TokenPair) tokensResponse {
	return tokensResponse{
		Access:           p.Access,
		Refresh:          p.Refresh,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

func (a *api) registerAuthRoutes(r *mux.Router) {
	throttle := func(h http.HandlerFunc) http.Handler {
		if a.c.AuthLimiter == nil {
			return h
		}
		return a.c.AuthLimiter.Middleware(h)
	}

	r.Handle("/register", throttle(a.handleRegister)).Methods(http.MethodPost)
	r.Handle("/login", throttle(a.handleLogin)).Methods(http.MethodPost)
	r.Handle("/token/refresh", throttle(a.handleRefresh)).Methods(http.MethodPost)
	r.Handle("/logout", user(a.handleLogout)).Methods(http.MethodPost)
	r.Handle("/profile", user(a.handleProfile)).Methods(http.MethodGet)
	r.Handle("/profile/update", user(a.handleUpdateProfile)).Methods(http.MethodPut, http.MethodPatch)
	r.Handle("/check-permission", user(a.handleCheckPermission)).Methods(http.MethodGet)
	r.Handle("/admin/users", admin(a.handleAdminUsers)).Methods(http.MethodGet)
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
		Role            string `json:"role"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	u, err := a.c.Users.Register(r.Context(), users.RegisterInput{
		Username:        payload.Username,
		Email:           payload.Email,
		Password:        payload.Password,
		PasswordConfirm: payload.PasswordConfirm,
		Role:            users.Role(strings.TrimSpace(payload.Role)),
	})
	if err != nil {
		a.fail(w, r, "register user", err)
		return
	}
	tokens, err := a.c.Issuer.IssuePair(u)
	if err != nil {
		a.internal(w, r, "issue tokens", err)
		return
	}

	a.logger.Info("user registered", "user_id", u.ID, "username", u.Username)
	respondJSON(w, http.StatusCreated, map[string]any{
		"message": "registration successful",
		"user":    toUserResponse(u),
		"tokens":  toTokensResponse(tokens),
	})
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Username) == "" || payload.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := a.c.Users.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) || errors.Is(err, users.ErrInvalidPassword) {
			respondError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		a.fail(w, r, "login", err)
		return
	}
	tokens, err := a.c.Issuer.IssuePair(u)
	if err != nil {
		a.internal(w, r, "issue tokens", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message": "login successful",
		"user":    toUserResponse(u),
		"tokens":  toTokensResponse(tokens),
	})
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.Refresh == "" {
		respondError(w, http.StatusBadRequest, "refresh token is required")
		return
	}

	tokens, err := a.c.Issuer.Refresh(r.Context(), payload.Refresh)
	if err != nil {
		a.fail(w, r, "refresh token", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
	})
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.RefreshToken != "" {
		if err := a.c.Issuer.Revoke(r.Context(), payload.RefreshToken); err != nil {
			respondError(w, http.StatusBadRequest, "logout failed")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logout successful"})
}

func (a *api) handleProfile(w http.ResponseWriter, r *http.Request) {
	u, err := a.c.Users.Get(r.Context(), identity(r).UserID)
	if err != nil {
		a.fail(w, r, "get profile", err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *api) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email     *string `json:"email"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	u, err := a.c.Users.UpdateProfile(r.Context(), identity(r).UserID, users.UpdateInput{
		Email:     payload.Email,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
	})
	if err != nil {
		a.fail(w, r, "update profile", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "profile updated",
		"user":    toUserResponse(u),
	})
}

func (a *api) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	u, perms, err := a.c.Users.Permissions(r.Context(), identity(r).UserID)
	if err != nil {
		a.fail(w, r, "check permission", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":         u.ID,
		"username":        u.Username,
		"role":            u.Role,
		"is_admin":        u.IsAdmin(),
		"is_regular_user": u.Role == users.RoleUser,
		"permissions":     perms,
	})
}

func (a *api) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	all, err := a.c.Users.List(r.Context())
	if err != nil {
		a.fail(w, r, "list users", err)
		return
	}
	out := make([]userResponse, 0, len(all))
	for _, u := range all {
		out = append(out, toUserResponse(u))
	}
	respondJSON(w, http.StatusOK, out)
}
