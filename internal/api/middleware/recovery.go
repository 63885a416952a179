package middleware

import (
	"log"
	"net/http"
	"runtime/debug"
)

// Recovery перехватывает панику в handlers и возвращает 500
//
// Паника в одном webhook-запросе не должна ронять процесс: у других
// пользователей в этот момент могут быть ордера в полёте. Текст паники
// клиенту не отдаётся - только в лог вместе со stack trace
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[http] PANIC on %s %s: %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
