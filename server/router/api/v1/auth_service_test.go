package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deepsearch/internal/profile"
	"github.com/hrygo/deepsearch/server/auth"
	"github.com/hrygo/deepsearch/store"
	"github.com/hrygo/deepsearch/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	testProfile := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "deepsearch_test.db"),
	}
	driver, err := sqlite.NewDB(testProfile)
	require.NoError(t, err)

	st := store.New(driver, testProfile)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func postJSON(t *testing.T, e *echo.Echo, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSignUpAndSignIn(t *testing.T) {
	e := echo.New()
	svc := &AuthService{Secret: "test-secret", Store: newTestStore(t)}

	c, rec := postJSON(t, e, "/api/v1/auth/signup", `{"username":"alice","password":"pw123456"}`)
	require.NoError(t, svc.SignUp(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var signup signResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))
	assert.NotEmpty(t, signup.Token)
	// First account of an instance becomes the host.
	assert.Equal(t, string(store.RoleHost), signup.User.Role)

	claims, err := auth.ValidateToken("test-secret", signup.Token)
	require.NoError(t, err)
	assert.Equal(t, signup.User.ID, claims.UserID)

	c, rec = postJSON(t, e, "/api/v1/auth/signup", `{"username":"bob","password":"pw123456"}`)
	require.NoError(t, svc.SignUp(c))
	var second signResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, string(store.RoleUser), second.User.Role)

	c, rec = postJSON(t, e, "/api/v1/auth/signin", `{"username":"alice","password":"pw123456"}`)
	require.NoError(t, svc.SignIn(c))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSignUpDuplicateUsername(t *testing.T) {
	e := echo.New()
	svc := &AuthService{Secret: "test-secret", Store: newTestStore(t)}

	c, _ := postJSON(t, e, "/api/v1/auth/signup", `{"username":"alice","password":"pw123456"}`)
	require.NoError(t, svc.SignUp(c))

	c, _ = postJSON(t, e, "/api/v1/auth/signup", `{"username":"alice","password":"other"}`)
	err := svc.SignUp(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestSignInInvalidCredentials(t *testing.T) {
	e := echo.New()
	svc := &AuthService{Secret: "test-secret", Store: newTestStore(t)}

	c, _ := postJSON(t, e, "/api/v1/auth/signup", `{"username":"alice","password":"pw123456"}`)
	require.NoError(t, svc.SignUp(c))

	tests := []struct {
		name string
		body string
	}{
		{"wrong password", `{"username":"alice","password":"wrong"}`},
		{"unknown user", `{"username":"nobody","password":"pw123456"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := postJSON(t, e, "/api/v1/auth/signin", tt.body)
			err := svc.SignIn(c)
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
		})
	}
}

func TestSignUpMissingFields(t *testing.T) {
	e := echo.New()
	svc := &AuthService{Secret: "test-secret", Store: newTestStore(t)}

	c, _ := postJSON(t, e, "/api/v1/auth/signup", `{"username":"","password":""}`)
	err := svc.SignUp(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}
