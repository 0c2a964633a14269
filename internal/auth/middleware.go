package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/askledger/askledger/internal/observability"
)

type contextKey string

const identityKey contextKey = "auth_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// Middleware authenticates API keys and binds the key's tenant to the request.
// A request that also names a tenant in X-Tenant-ID must name the same one;
// a key never reaches another tenant's data through the header.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := extractAPIKey(r)
			if apiKey == "" {
				reject(w, r, "missing_key", http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}

			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				if logger != nil {
					logger.WarnContext(r.Context(), "authentication failed",
						slog.String("path", r.URL.Path),
						slog.String("key_prefix", maskKey(apiKey)),
					)
				}
				reject(w, r, "invalid_key", http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			if requested := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); requested != "" {
				if tenantID, err := NormalizeTenantID(requested); err != nil || tenantID != identity.TenantID {
					if logger != nil {
						logger.WarnContext(r.Context(), "tenant header does not match API key",
							slog.String("path", r.URL.Path),
							slog.String("key_prefix", maskKey(apiKey)),
							slog.String("tenant_id", identity.TenantID),
						)
					}
					reject(w, r, "tenant_mismatch", http.StatusForbidden, "TENANT_MISMATCH", "X-Tenant-ID does not match the API key's tenant")
					return
				}
			}

			observability.AnnotateRequest(r.Context(), slog.String("roles", strings.Join(identity.Roles, "|")))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func reject(w http.ResponseWriter, r *http.Request, reason string, status int, code, message string) {
	authFailures.WithLabelValues(reason).Inc()
	observability.AnnotateRequest(r.Context(), slog.String("error_code", code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
