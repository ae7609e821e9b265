package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/deepsearch/server/auth"
	"github.com/hrygo/deepsearch/store"
)

type AuthService struct {
	Secret string
	Store  *store.Store
}

type signRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID       int32  `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

// SignUp creates a user and returns a session token. The first user of an
// instance becomes the host.
func (s *AuthService) SignUp(c echo.Context) error {
	ctx := c.Request().Context()

	req := &signRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	existing, err := s.Store.GetUser(ctx, &store.FindUser{Username: &req.Username})
	if err != nil {
		slog.Error("failed to look up user", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}
	if existing != nil {
		return echo.NewHTTPError(http.StatusConflict, "username already taken")
	}

	role := store.RoleUser
	anyUser, err := s.Store.GetUser(ctx, &store.FindUser{})
	if err != nil {
		slog.Error("failed to look up user", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}
	if anyUser == nil {
		role = store.RoleHost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}

	user, err := s.Store.CreateUser(ctx, &store.User{
		Username:     req.Username,
		Role:         role,
		Nickname:     req.Username,
		PasswordHash: string(hash),
	})
	if err != nil {
		slog.Error("failed to create user", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}

	return s.respondWithToken(c, user)
}

// SignIn verifies credentials and returns a session token.
func (s *AuthService) SignIn(c echo.Context) error {
	ctx := c.Request().Context()

	req := &signRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	user, err := s.Store.GetUser(ctx, &store.FindUser{Username: &req.Username})
	if err != nil {
		slog.Error("failed to look up user", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign in")
	}
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	return s.respondWithToken(c, user)
}

func (s *AuthService) respondWithToken(c echo.Context, user *store.User) error {
	token, err := auth.GenerateToken(s.Secret, user.ID, auth.DefaultTokenDuration)
	if err != nil {
		slog.Error("failed to generate token", "user_id", user.ID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue token")
	}
	return c.JSON(http.StatusOK, &signResponse{
		Token: token,
		User: userResponse{
			ID:       user.ID,
			Username: user.Username,
			Nickname: user.Nickname,
			Role:     string(user.Role),
		},
	})
}
