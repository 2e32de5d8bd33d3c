package utils

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMetadata struct to describe metadata in JWT.
type TokenMetadata struct {
	Id          string
	WorkspaceID uint
	Exp         int64
}

var ErrTokenClaims = errors.New("token: missing claims")

// ParseToken verifies an HS512 access token issued by the auth service and
// extracts the agent and workspace it belongs to.
func ParseToken(token string, key []byte) (*TokenMetadata, error) {
	t, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok || !t.Valid {
		return nil, ErrTokenClaims
	}

	meta := &TokenMetadata{}
	switch id := claims["id"].(type) {
	case string:
		meta.Id = id
	case float64:
		meta.Id = fmt.Sprintf("%.0f", id)
	}
	if ws, ok := claims["workspace_id"].(float64); ok && ws > 0 {
		meta.WorkspaceID = uint(ws)
	}
	if exp, ok := claims["exp"].(float64); ok {
		meta.Exp = int64(exp)
	}

	if meta.Id == "" || meta.WorkspaceID == 0 {
		return nil, ErrTokenClaims
	}
	return meta, nil
}
