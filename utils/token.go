package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// OperatorClaim identifies the back-office operator behind a request. The
// username becomes the actor on ledger entries.
type OperatorClaim struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

func JwtGenerate(secret []byte, userID int, username, role string, lifespan time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &OperatorClaim{
		ID:       userID,
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(secret)
}

func JwtValidate(secret []byte, token string) (*OperatorClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &OperatorClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*OperatorClaim)
	if !ok || !parsed.Valid || claim.Username == "" {
		return nil, errors.New("invalid operator token")
	}
	return claim, nil
}
