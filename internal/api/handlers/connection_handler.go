package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradelink/internal/models"
	"tradelink/internal/repository"
	"tradelink/internal/service"
)

// ConnectionHandler отвечает за управление подключениями к брокерам
//
// Endpoints:
// - POST   /api/v1/connections - создать подключение
// - GET    /api/v1/connections?user_id=N - список подключений пользователя
// - GET    /api/v1/connections/{id} - получить подключение
// - DELETE /api/v1/connections/{id} - удалить подключение
// - POST   /api/v1/connections/{id}/login - запустить логин
// - POST   /api/v1/connections/{id}/reconnect - повторный логин
// - POST   /api/v1/connections/{id}/disconnect - отключить
//
// Секреты (ключи, пароли, токены) наружу не отдаются - у полей
// модели json:"-"
type ConnectionHandler struct {
	authService service.AuthServiceInterface
}

// NewConnectionHandler создает новый ConnectionHandler с внедрением зависимости
func NewConnectionHandler(authService service.AuthServiceInterface) *ConnectionHandler {
	return &ConnectionHandler{authService: authService}
}

// CreateConnection создает подключение
//
// POST /api/v1/connections
// Body: {user_id, broker, webhook_id, api_key, api_secret, client_code,
// password, pin, server_url, vendor_code}
//
// HTTP коды:
// - 201 Created: подключение создано (в состоянии CREATED)
// - 400 Bad Request: неподдерживаемый брокер или неполные креды
// - 409 Conflict: webhook id уже занят
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req service.CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 || req.WebhookID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id and webhook_id are required")
		return
	}

	conn, err := h.authService.CreateConnection(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBrokerNotSupported):
			respondWithError(w, http.StatusBadRequest, "unsupported broker")
		case errors.Is(err, repository.ErrWebhookIDExists):
			respondWithError(w, http.StatusConflict, "webhook id already in use")
		default:
			respondWithError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, conn)
}

// GetConnections возвращает подключения пользователя
//
// GET /api/v1/connections?user_id=N
func (h *ConnectionHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	conns, err := h.authService.ListConnections(userID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []*models.BrokerConnection{}
	}

	respondWithJSON(w, http.StatusOK, conns)
}

// GetConnection возвращает подключение по id
//
// GET /api/v1/connections/{id}
func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.connectionID(w, r)
	if !ok {
		return
	}

	conn, err := h.authService.GetConnection(id)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			respondWithError(w, http.StatusNotFound, "connection not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to get connection")
		return
	}

	respondWithJSON(w, http.StatusOK, conn)
}

// DeleteConnection удаляет подключение
//
// DELETE /api/v1/connections/{id}
// История ордеров сохраняется
func (h *ConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.connectionID(w, r)
	if !ok {
		return
	}

	if err := h.authService.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			respondWithError(w, http.StatusNotFound, "connection not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// loginRequest - тело login/reconnect запросов
type loginRequest struct {
	TOTP string `json:"totp"`
}

// StartLogin запускает логин подключения
//
// POST /api/v1/connections/{id}/login
// Body: {totp} - обязателен для angel и shoonya
//
// HTTP коды:
// - 200 OK: {login_url} для OAuth-брокеров либо {authenticated: true}
// - 400 Bad Request: не передан обязательный totp
// - 404 Not Found
// - 409 Conflict: логин невозможен из текущего состояния
// - 502 Bad Gateway: брокер отклонил логин
func (h *ConnectionHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	h.runLogin(w, r, h.authService.StartLogin)
}

// Reconnect запускает повторный логин истёкшего подключения
//
// POST /api/v1/connections/{id}/reconnect
// Для oauth_refresh сначала пробует тихое продление по refresh token
func (h *ConnectionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.runLogin(w, r, h.authService.Reconnect)
}

func (h *ConnectionHandler) runLogin(
	w http.ResponseWriter,
	r *http.Request,
	loginFn func(ctx context.Context, connectionID int, totp string) (*service.LoginResult, error),
) {
	id, ok := h.connectionID(w, r)
	if !ok {
		return
	}

	// Тело опционально: OAuth-брокерам totp не нужен
	var req loginRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := loginFn(r.Context(), id, req.TOTP)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConnectionNotFound):
			respondWithError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, service.ErrTOTPRequired):
			respondWithError(w, http.StatusBadRequest, "totp is required for this broker")
		case errors.Is(err, service.ErrInvalidTransition):
			respondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrLoginFailed):
			// Сообщение брокера идёт наружу: invalid vendor code,
			// invalid app key и пр. различимы для пользователя
			respondWithError(w, http.StatusBadGateway, err.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// Disconnect отключает подключение
//
// POST /api/v1/connections/{id}/disconnect
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.connectionID(w, r)
	if !ok {
		return
	}

	if err := h.authService.Disconnect(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrConnectionNotFound):
			respondWithError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, service.ErrInvalidTransition):
			respondWithError(w, http.StatusConflict, err.Error())
		default:
			respondWithError(w, http.StatusInternalServerError, "disconnect failed")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// connectionID извлекает {id} из пути
func (h *ConnectionHandler) connectionID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid connection id")
		return 0, false
	}
	return id, true
}
