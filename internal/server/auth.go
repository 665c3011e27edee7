package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/logging"
	"phaseline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeaders accepts X-Actor-Id and X-Actor-Role without credentials.
	AllowLegacyActorHeaders bool
	// DevLogin exposes POST /auth/dev/login for minting local tokens.
	DevLogin bool
	Logger   *zap.Logger
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID string
	Role    domain.Role
	Source  string
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{Role: p.Role, ID: p.ActorID}
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	return logging.OrNop(c.Logger)
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Role != "" {
		return p.Actor(), nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func parseRole(raw string) (domain.Role, error) {
	role := domain.Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", errors.New("unknown role")
	}
	if role == domain.RoleSystem {
		return "", errors.New("system role is not available to callers")
	}
	return role, nil
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
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
	role, err := parseRole(claims.Role)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: claims.Subject, Role: role, Source: "jwt"}, nil
}

func signDevToken(secret, actorID string, role domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	role, err := parseRole(string(apiKey.Role))
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: apiKey.ActorID, Role: role, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): cfg.DevLogin,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
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
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
			legacyRole := strings.TrimSpace(req.Header.Get("X-Actor-Role"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					cfg.logger().Debug("api key rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyRole != "" && cfg.AllowLegacyActorHeaders {
				role, err := parseRole(legacyRole)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"role": legacyRole}))
					return
				}
				cfg.logger().Warn("legacy actor headers used without credentials",
					zap.String("actor_id", legacyActor), zap.String("role", string(role)))
				principal := Principal{ActorID: legacyActor, Role: role, Source: "legacy_header"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
