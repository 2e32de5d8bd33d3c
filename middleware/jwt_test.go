package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inbox-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT(t *testing.T) {
	key := []byte("secret")
	app := fiber.New()
	app.Get("/private", JWT(key), func(c *fiber.Ctx) error {
		meta := c.Locals(TokenLocal).(*utils.TokenMetadata)
		return c.JSON(fiber.Map{"workspace_id": meta.WorkspaceID})
	})

	sign := func(claims jwt.MapClaims, k []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(k)
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()
	valid := sign(jwt.MapClaims{"id": "1", "workspace_id": 3, "exp": exp}, key)
	noWorkspace := sign(jwt.MapClaims{"id": "1", "exp": exp}, key)
	forged := sign(jwt.MapClaims{"id": "1", "workspace_id": 3}, []byte("other"))

	tests := []struct {
		name   string
		header string
		status int
		key    string
		want   any
	}{
		{"valid token", "Bearer " + valid, fiber.StatusOK, "workspace_id", float64(3)},
		{"missing token", "", fiber.StatusBadRequest, "error", "Missing or malformed access token"},
		{"wrong key", "Bearer " + forged, fiber.StatusUnauthorized, "error", "Invalid or expired access token"},
		{"no workspace claim", "Bearer " + noWorkspace, fiber.StatusUnauthorized, "error", "Access token has no workspace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			body := map[string]any{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.want, body[tt.key])
			if tt.status == fiber.StatusUnauthorized {
				assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}
