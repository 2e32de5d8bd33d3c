package middleware

import (
	"errors"

	"inbox-service/utils"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TokenLocal is the fiber.Ctx local holding the *utils.TokenMetadata of the
// authenticated agent.
const TokenLocal = "token"

// JWT protects operator endpoints with the access tokens issued by the auth
// service. Tokens must name the agent and its workspace, the same claims the
// socket.io handshake requires.
func JWT(key []byte) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{
			JWTAlg: jwtware.HS512,
			Key:    key,
		},
		SuccessHandler: func(c *fiber.Ctx) error {
			token, ok := c.Locals("user").(*jwt.Token)
			if !ok {
				return unauthorized(c, "Invalid access token")
			}
			meta, err := utils.ParseToken(token.Raw, key)
			if err != nil {
				return unauthorized(c, "Access token has no workspace")
			}
			c.Locals(TokenLocal, meta)
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if errors.Is(err, jwtware.ErrJWTMissingOrMalformed) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Missing or malformed access token",
				})
			}
			return unauthorized(c, "Invalid or expired access token")
		},
	})
}

func unauthorized(c *fiber.Ctx, msg string) error {
	c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": msg,
	})
}
