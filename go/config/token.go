package config

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenRemaining extracts the remaining lifetime of a platform bearer token.
// The token is decoded without signature verification: the node is not the
// token's audience, it only reports the expiry to the health endpoint so the
// platform can schedule refreshes.
func TokenRemaining(token string) (time.Duration, error) {
	var claims jwt.MapClaims
	var parser = jwt.NewParser()

	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return 0, fmt.Errorf("decoding token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return 0, fmt.Errorf("reading token expiration: %w", err)
	} else if exp == nil {
		return 0, fmt.Errorf("token does not carry an expiration claim")
	}

	var remaining = time.Until(exp.Time)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
