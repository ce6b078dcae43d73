package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type reqIDKey struct{}

// HeaderRequestID — заголовок корреляции HTTP-запросов и upgrade'ов.
const HeaderRequestID = "X-Request-Id"

const maxRequestIDLen = 128

// RequestID принимает X-Request-Id клиента разумной длины, иначе выдаёт uuid.
// Id попадает в заголовок ответа и в контекст запроса.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id)))
	})
}

// RequestIDFrom — id из контекста; пусто, если RequestID не стоял в цепочке.
func RequestIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(reqIDKey{}).(string)
	return s
}

func GetRequestID(r *http.Request) string { return RequestIDFrom(r.Context()) }
