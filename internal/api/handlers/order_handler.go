package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradelink/internal/models"
	"tradelink/internal/repository"
	"tradelink/internal/service"
)

// OrderHandler отвечает за чтение истории ордеров
//
// Endpoints:
// - GET /api/v1/orders?user_id=N&limit=M - ордера пользователя
// - GET /api/v1/orders/{id} - один ордер
// - GET /api/v1/connections/{id}/orders - ордера подключения
//
// Ордера создаются только через webhook - API отдаёт их read-only
type OrderHandler struct {
	orderService service.OrderServiceInterface
}

// NewOrderHandler создает новый OrderHandler с внедрением зависимости
func NewOrderHandler(orderService service.OrderServiceInterface) *OrderHandler {
	return &OrderHandler{orderService: orderService}
}

// GetOrdersResponse представляет ответ списка ордеров
type GetOrdersResponse struct {
	Orders []*models.Order `json:"orders"`
	Total  int             `json:"total"`
}

// GetOrders возвращает ордера пользователя
//
// GET /api/v1/orders?user_id=N&limit=M
// limit по умолчанию 100, максимум 500
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	orders, err := h.orderService.GetUserOrders(userID, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to get orders")
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	respondWithJSON(w, http.StatusOK, GetOrdersResponse{Orders: orders, Total: len(orders)})
}

// GetOrder возвращает ордер по id
//
// GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.orderService.GetOrder(id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "order not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	respondWithJSON(w, http.StatusOK, order)
}

// GetConnectionOrders возвращает ордера подключения
//
// GET /api/v1/connections/{id}/orders?limit=M
func (h *OrderHandler) GetConnectionOrders(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	orders, err := h.orderService.GetConnectionOrders(id, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to get orders")
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}

	respondWithJSON(w, http.StatusOK, GetOrdersResponse{Orders: orders, Total: len(orders)})
}
