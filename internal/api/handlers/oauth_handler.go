package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tradelink/internal/service"
)

// OAuthHandler принимает redirect-callback'и OAuth-брокеров
//
// Endpoint:
// - GET /api/v1/callbacks/{broker}
//
// Назначение:
// Сюда брокер редиректит браузер пользователя после логина на своей
// стороне. Имя query-параметра с кодом у брокеров разное: kite шлёт
// request_token, upstox - code. state - наш корреляционный токен,
// прокинутый через LoginURL (не все брокеры возвращают его обратно)
type OAuthHandler struct {
	authService service.AuthServiceInterface
}

// NewOAuthHandler создает новый OAuthHandler с внедрением зависимости
func NewOAuthHandler(authService service.AuthServiceInterface) *OAuthHandler {
	return &OAuthHandler{authService: authService}
}

// HandleCallback завершает OAuth redirect-раунд
//
// GET /api/v1/callbacks/{broker}?request_token=...&state=...
// GET /api/v1/callbacks/{broker}?code=...&state=...
//
// HTTP коды:
// - 200 OK: сессия установлена, подключение AUTHENTICATED
// - 400 Bad Request: нет кода / пользователь отменил логин
// - 404 Not Found: callback не привязался ни к одному подключению
// - 502 Bad Gateway: брокер отклонил обмен кода
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	brokerName := mux.Vars(r)["broker"]
	query := r.URL.Query()

	// kite при отмене логина редиректит со status=error
	if query.Get("status") == "error" {
		respondWithError(w, http.StatusBadRequest, "login was cancelled or failed on the broker side")
		return
	}

	code := query.Get("request_token")
	if code == "" {
		code = query.Get("code")
	}
	if code == "" {
		respondWithError(w, http.StatusBadRequest, "callback is missing the authorization code")
		return
	}

	conn, err := h.authService.CompleteOAuth(r.Context(), brokerName, code, query.Get("state"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCallbackUnmatched):
			respondWithError(w, http.StatusNotFound, "no pending login matches this callback")
		case errors.Is(err, service.ErrLoginFailed):
			respondWithError(w, http.StatusBadGateway, "broker rejected the token exchange")
		default:
			respondWithError(w, http.StatusInternalServerError, "oauth completion failed")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, conn)
}
