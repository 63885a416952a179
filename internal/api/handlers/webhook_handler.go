package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradelink/internal/service"
)

// Пейлоад сигнала - десятки полей максимум; всё крупнее - мусор или атака
const maxSignalBody = 16 * 1024

// WebhookHandler принимает торговые сигналы
//
// Endpoint:
// - POST /webhook/{userId}/{webhookId} - входящий сигнал
//
// Назначение:
// Единственная точка входа для внешних генераторов сигналов (TradingView
// и пр.). Маршрутизация к брокеру происходит по паре (userId, webhookId);
// сам webhookId работает как capability-токен - другой аутентификации
// у этого endpoint'а нет
type WebhookHandler struct {
	orderService service.OrderServiceInterface
}

// NewWebhookHandler создает новый WebhookHandler с внедрением зависимости
func NewWebhookHandler(orderService service.OrderServiceInterface) *WebhookHandler {
	return &WebhookHandler{orderService: orderService}
}

// signalErrorResponse - структурированная ошибка обработки сигнала.
// След показывает вызывателю, на каком шаге конвейера сигнал отклонён
type signalErrorResponse struct {
	Error string              `json:"error"`
	Trail []service.TrailStep `json:"trail,omitempty"`
}

// HandleSignal обрабатывает входящий торговый сигнал
//
// POST /webhook/{userId}/{webhookId}
//
// Body: JSON сигнала {symbol, action, quantity, order_type, product, ...}
//
// HTTP коды:
//   - 200 OK: сигнал принят, возвращает ордер и след обработки
//     (включая REJECTED исходы)
//   - 400 Bad Request: невалидный сигнал
//   - 404 Not Found: webhook id не зарегистрирован
//   - 409 Conflict: подключение не аутентифицировано
func (h *WebhookHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	userID, err := strconv.Atoi(vars["userId"])
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	webhookID := vars["webhookId"]
	if webhookID == "" {
		respondWithError(w, http.StatusBadRequest, "webhook id is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	outcome, err := h.orderService.ProcessSignalTraced(r.Context(), userID, webhookID, body)
	if err != nil {
		var trail []service.TrailStep
		if outcome != nil {
			trail = outcome.Trail
		}
		switch {
		case errors.Is(err, service.ErrInvalidSignal):
			respondWithJSON(w, http.StatusBadRequest, signalErrorResponse{Error: err.Error(), Trail: trail})
		case errors.Is(err, service.ErrUnknownWebhook):
			respondWithJSON(w, http.StatusNotFound, signalErrorResponse{Error: "unknown webhook", Trail: trail})
		case errors.Is(err, service.ErrConnectionExpired):
			respondWithJSON(w, http.StatusConflict, signalErrorResponse{Error: "broker connection is not authenticated", Trail: trail})
		default:
			respondWithJSON(w, http.StatusInternalServerError, signalErrorResponse{Error: "signal processing failed", Trail: trail})
		}
		return
	}

	respondWithJSON(w, http.StatusOK, outcome)
}
