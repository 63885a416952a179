package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"tradelink/internal/models"
	"tradelink/internal/repository"
)

func TestOrderHandler_GetOrders(t *testing.T) {
	t.Run("returns user orders", func(t *testing.T) {
		var gotLimit int
		mockSvc := &MockOrderService{
			GetUserOrdersFn: func(userID, limit int) ([]*models.Order, error) {
				gotLimit = limit
				return []*models.Order{
					{ID: 1, Status: models.OrderStatusComplete},
					{ID: 2, Status: models.OrderStatusOpen},
				}, nil
			},
		}
		handler := NewOrderHandler(mockSvc)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders?user_id=7&limit=50", nil)
		w := httptest.NewRecorder()

		handler.GetOrders(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if gotLimit != 50 {
			t.Errorf("limit = %d", gotLimit)
		}

		var response GetOrdersResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if response.Total != 2 {
			t.Errorf("total = %d", response.Total)
		}
	})

	t.Run("missing user_id returns 400", func(t *testing.T) {
		handler := NewOrderHandler(&MockOrderService{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		w := httptest.NewRecorder()

		handler.GetOrders(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		handler := NewOrderHandler(&MockOrderService{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders?user_id=7", nil)
		w := httptest.NewRecorder()

		handler.GetOrders(w, req)

		var response GetOrdersResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if response.Orders == nil {
			t.Error("orders must be [], not null")
		}
	})
}

func TestOrderHandler_GetOrder(t *testing.T) {
	t.Run("returns order", func(t *testing.T) {
		handler := NewOrderHandler(&MockOrderService{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/5", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "5"})
		w := httptest.NewRecorder()

		handler.GetOrder(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var order models.Order
		if err := json.NewDecoder(w.Body).Decode(&order); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if order.ID != 5 {
			t.Errorf("order id = %d", order.ID)
		}
	})

	t.Run("unknown order returns 404", func(t *testing.T) {
		mockSvc := &MockOrderService{
			GetOrderFn: func(id int) (*models.Order, error) {
				return nil, repository.ErrOrderNotFound
			},
		}
		handler := NewOrderHandler(mockSvc)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/99", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "99"})
		w := httptest.NewRecorder()

		handler.GetOrder(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})

	t.Run("malformed id returns 400", func(t *testing.T) {
		handler := NewOrderHandler(&MockOrderService{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/abc", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "abc"})
		w := httptest.NewRecorder()

		handler.GetOrder(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestOrderHandler_GetConnectionOrders(t *testing.T) {
	var gotConnID int
	mockSvc := &MockOrderService{
		GetConnectionOrdersFn: func(connectionID, limit int) ([]*models.Order, error) {
			gotConnID = connectionID
			return []*models.Order{{ID: 1, ConnectionID: connectionID}}, nil
		},
	}
	handler := NewOrderHandler(mockSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/3/orders", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "3"})
	w := httptest.NewRecorder()

	handler.GetConnectionOrders(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if gotConnID != 3 {
		t.Errorf("connection id = %d", gotConnID)
	}
}
