package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"iotgw/internal/logs"
	"iotgw/internal/models"
)

// Recoverer перехватывает панику в обработчике, пишет лог со стеком
// и возвращает 500 в формате application/problem+json.
// http.ErrAbortHandler пробрасывается дальше, как того ждёт net/http.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqid := GetRequestID(r)
			logs.Logger.WithFields(logrus.Fields{
				"reqid":  reqid,
				"uri":    r.RequestURI,
				"method": r.Method,
			}).Errorf("panic: %v\nstack:\n%s", rec, debug.Stack())
			models.WriteProblem(w, http.StatusInternalServerError,
				"Internal Server Error",
				"unexpected server error (see logs by reqid)", map[string]any{
					"reqid": reqid,
				})
		}()
		next.ServeHTTP(w, r)
	})
}
