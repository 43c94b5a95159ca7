package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akostin/flowgate/internal/apperrors"
	"github.com/akostin/flowgate/internal/service/identity"
	"github.com/akostin/flowgate/internal/testutil"
	"github.com/akostin/flowgate/tests/fakes"
	"github.com/akostin/flowgate/tests/integration"
)

const (
	LoginURL = "/api/auth/login"
)

func testAccounts() map[string]fakes.IdentityAccount {
	return map[string]fakes.IdentityAccount{
		"jamie": {
			Password: "StrongEnoughPassword",
			Identity: identity.Identity{Subject: "idp-1", Name: "Jamie Doe", Email: "jamie@example.com", Role: "enduser", Active: true},
		},
		"frozen": {
			Password: "StrongEnoughPassword",
			Identity: identity.Identity{Subject: "idp-2", Name: "Frozen One", Email: "frozen@example.com", Role: "enduser", Active: false},
		},
	}
}

func Test_Login(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("login ok", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())

		integration.RunTx(pg.Pool, t, integration.Options{IdentityURL: idp.URL}, func(srvURL string, s integration.Services) {
			data := `{"login": "jamie", "password": "StrongEnoughPassword"}`
			resp, err := http.Post(srvURL+LoginURL, "application/json", strings.NewReader(data))
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", string(body))

			var parsed struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				TokenType    string `json:"token_type"`
				User         struct {
					Subject string `json:"subject"`
					Role    string `json:"role"`
					Active  bool   `json:"active"`
				} `json:"user"`
			}
			require.NoError(t, json.Unmarshal(body, &parsed))
			require.NotEmpty(t, parsed.AccessToken, "access token should be issued")
			require.NotEmpty(t, parsed.RefreshToken, "refresh token should be issued")
			require.Equal(t, "Bearer", parsed.TokenType)
			require.Equal(t, "idp-1", parsed.User.Subject)
			require.True(t, parsed.User.Active)

			// Shadow record mirrors the provider
			user, err := s.Storage.User().GetBySubject(t.Context(), "idp-1")
			require.NoError(t, err)
			require.Equal(t, "Jamie Doe", user.Name)
			require.Equal(t, "enduser", user.Role)
			require.True(t, user.Active)
		})
	})

	t.Run("wrong password", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())

		integration.RunTx(pg.Pool, t, integration.Options{IdentityURL: idp.URL}, func(srvURL string, s integration.Services) {
			data := `{"login": "jamie", "password": "WrongPassword"}`
			resp, err := http.Post(srvURL+LoginURL, "application/json", strings.NewReader(data))
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "not expected code. Body: %s", string(body))
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "Login or password is invalid"
				}`, string(body))

			// No shadow record without a provider confirmation
			_, err = s.Storage.User().GetBySubject(t.Context(), "idp-1")
			require.ErrorIs(t, err, apperrors.ErrUserNotFound)
		})
	})

	t.Run("deactivated at provider", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())

		integration.RunTx(pg.Pool, t, integration.Options{IdentityURL: idp.URL}, func(srvURL string, s integration.Services) {
			data := `{"login": "frozen", "password": "StrongEnoughPassword"}`
			resp, err := http.Post(srvURL+LoginURL, "application/json", strings.NewReader(data))
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusForbidden, resp.StatusCode, "not expected code. Body: %s", string(body))
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "User is deactivated"
				}`, string(body))

			// The shadow record is still synced, just not let in
			user, err := s.Storage.User().GetBySubject(t.Context(), "idp-2")
			require.NoError(t, err)
			require.False(t, user.Active)
		})
	})

	t.Run("provider down", func(t *testing.T) {
		idp := fakes.NewIdentity(t, testAccounts())
		idp.SetDown(true)

		integration.RunTx(pg.Pool, t, integration.Options{IdentityURL: idp.URL}, func(srvURL string, _ integration.Services) {
			data := `{"login": "jamie", "password": "StrongEnoughPassword"}`
			resp, err := http.Post(srvURL+LoginURL, "application/json", strings.NewReader(data))
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			defer resp.Body.Close() // nolint:errcheck

			require.Equalf(t, http.StatusServiceUnavailable, resp.StatusCode, "not expected code. Body: %s", string(body))
			require.JSONEq(t, `
				{
					"error": "service_error",
					"message": "Identity provider is unavailable"
				}`, string(body))
		})
	})
}
