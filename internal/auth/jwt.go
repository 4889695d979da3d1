package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	ingest "kraken-gateway/internal/ingest/domain"
)

// Claims carries the site binding of a signed gateway token. Tokens are the
// signed alternative to raw API keys for devices that can hold a secret.
type Claims struct {
	SiteID   int64  `json:"site_id"`
	SiteName string `json:"site_name"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns the site it is bound to.
func ParseToken(tokenString string, secret []byte) (ingest.Site, error) {
	if tokenString == "" {
		return ingest.Site{}, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return ingest.Site{}, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return ingest.Site{}, err
	}
	if !token.Valid {
		return ingest.Site{}, errors.New("auth: invalid token")
	}
	if claims.SiteID == 0 {
		return ingest.Site{}, errors.New("auth: missing site_id")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return ingest.Site{}, errors.New("auth: token expired")
	}
	return ingest.Site{ID: claims.SiteID, Name: claims.SiteName}, nil
}
