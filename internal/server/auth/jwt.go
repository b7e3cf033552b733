package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the portal user and the role the token was issued for.
type Claims struct {
	jwt.RegisteredClaims
	UserID string
	Role   string
}

// Identity is the authenticated caller extracted from a token.
type Identity struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller may act on behalf of the operations team.
func (i Identity) IsAdmin() bool {
	return i.Role == common.RoleAdmin
}

func GenerateToken(userID, role string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: userID,
		Role:   role,
	})

	return token.SignedString(secretKey)
}

// ParseToken validates tokenString and returns the caller identity.
// Expired tokens yield common.ErrTokenExpired, anything else that fails
// validation yields common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, common.ErrTokenExpired
		}
		return Identity{}, common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" {
		return Identity{}, common.ErrInvalidToken
	}

	switch claims.Role {
	case common.RoleClient, common.RoleAdmin:
	default:
		return Identity{}, common.ErrInvalidToken
	}

	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
