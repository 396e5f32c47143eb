package middleware

import (
	"context"
	"net/http"
	"strconv"
)

type contextKey string

const tenantIDKey contextKey = "tenantID"

const tenantHeader = "X-Tenant-ID"

// TenantMiddleware извлекает идентификатор арендатора из заголовка запроса.
// Отсутствие заголовка допустимо: запрос обрабатывается без привязки к арендатору.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(tenantHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantIDFromContext извлекает идентификатор арендатора из контекста запроса.
func GetTenantIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(tenantIDKey).(int64)
	return id, ok
}
