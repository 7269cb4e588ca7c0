package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the staff member behind a bearer token.
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier resolves a bearer token to an identity. Implementations return
// ErrUnauthorized for unknown tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticTokens is a Verifier backed by a fixed token table.
type StaticTokens map[string]Identity

func (s StaticTokens) Verify(_ context.Context, token string) (Identity, error) {
	identity, ok := s[token]
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	return identity, nil
}

// ParseTokens reads "token:user:role1|role2" entries separated by commas.
func ParseTokens(raw string) (StaticTokens, error) {
	tokens := StaticTokens{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid token entry %q", entry)
		}
		identity := Identity{UserID: parts[1]}
		if len(parts) == 3 {
			for _, role := range strings.Split(parts[2], "|") {
				if role = strings.TrimSpace(role); role != "" {
					identity.Roles = append(identity.Roles, role)
				}
			}
		}
		tokens[parts[0]] = identity
	}
	return tokens, nil
}

type authContextKey struct{}

func AuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r) {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
				return
			}
			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
					return
				}
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "token verification failed")
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(authContextKey{}).(Identity)
	return identity, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// Ticket creation is the kiosk endpoint and stays open.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/tickets":
		return r.Method == http.MethodPost
	default:
		return r.Method == http.MethodOptions || strings.HasPrefix(r.URL.Path, "/realtime")
	}
}
