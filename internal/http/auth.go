package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-queue/internal/models"
)

const driverIDKey contextKey = "driver-id"

// DriverClaims is the token issued to drivers by the auth service.
type DriverClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the calling driver from an HS256 bearer token whose
// subject is the driver id. Without a secret it runs in development mode and
// trusts the X-Driver-ID header.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) DriverID(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if id := strings.TrimSpace(r.Header.Get("X-Driver-ID")); id != "" {
			return id, nil
		}
		if id := r.URL.Query().Get("driver_id"); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: missing X-Driver-ID", models.ErrAuthRequired)
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		// browsers cannot set headers on a websocket upgrade
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrAuthRequired)
	}

	var claims DriverClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token: %v", models.ErrAuthRequired, err)
	}
	if claims.Role != "" && claims.Role != "DRIVER" {
		return "", fmt.Errorf("%w: role %s is not a driver", models.ErrAuthRequired, claims.Role)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", models.ErrAuthRequired)
	}
	return claims.Subject, nil
}

func (s *Server) requireDriver(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.DriverID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if info := infoFrom(r.Context()); info != nil {
			info.driver = id
		}
		next(w, r.WithContext(context.WithValue(r.Context(), driverIDKey, id)))
	}
}

func driverFromContext(ctx context.Context) string {
	id, _ := ctx.Value(driverIDKey).(string)
	return id
}
