package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"annotask/internal/apperr"
	"annotask/internal/repo"
)

const defaultDevHeader = "X-Contributor-Id"

type AuthConfig struct {
	JWTSecret string
	// AllowDevHeader trusts DevHeader as the contributor id. Local use only.
	AllowDevHeader bool
	DevHeader      string
	AllowAnonymous bool
	Logger         *slog.Logger
}

// Principal is the authenticated caller. ContributorID is empty for
// anonymous requests.
type Principal struct {
	ContributorID string
	Source        string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) devHeader() string {
	if strings.TrimSpace(c.DevHeader) != "" {
		return c.DevHeader
	}
	return defaultDevHeader
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ContributorID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.APIKeyStore, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ContributorID == "" {
		return Principal{}, errors.New("api key missing contributor")
	}
	return Principal{ContributorID: apiKey.ContributorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a Principal to every API request. Credentials
// are tried in order: bearer JWT, X-Api-Key, the dev header, anonymous.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.APIKeyStore) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "docs"):         true,
	}
	invalid := func(w http.ResponseWriter) {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, apperr.CodeUnauthorized, "Invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			devID := strings.TrimSpace(req.Header.Get(cfg.devHeader()))

			var principal Principal
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					invalid(w)
					return
				}
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "error", err)
					invalid(w)
					return
				}
				principal = p
			case apiKeyHeader != "":
				p, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					invalid(w)
					return
				}
				principal = p
			case devID != "" && cfg.AllowDevHeader:
				cfg.logger().Debug("using unauthenticated dev header", "header", cfg.devHeader(), "contributor_id", devID)
				principal = Principal{ContributorID: devID, Source: "dev_header"}
			case cfg.AllowAnonymous:
				principal = Principal{Source: "anonymous"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, apperr.CodeUnauthorized, "Authentication required", nil))
				return
			}
			if info := requestInfoFrom(req.Context()); info != nil {
				info.ContributorID = principal.ContributorID
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
