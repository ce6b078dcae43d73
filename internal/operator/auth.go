package operator

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"iotgw/internal/models"
)

// BearerAuth требует Authorization: Bearer <token>. Пустой token отключает проверку.
func BearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			got := strings.TrimPrefix(auth, p)
			if !strings.HasPrefix(auth, p) || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="iotgw"`)
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
