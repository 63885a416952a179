package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"tradelink/internal/models"
	"tradelink/internal/service"
)

func signalRequest(userID, webhookID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+userID+"/"+webhookID, bytes.NewBufferString(body))
	return mux.SetURLVars(req, map[string]string{"userId": userID, "webhookId": webhookID})
}

func fullTrail() []service.TrailStep {
	return []service.TrailStep{
		{Step: "parse", OK: true},
		{Step: "route", OK: true},
		{Step: "auth", OK: true},
		{Step: "resolve", OK: true},
		{Step: "persist", OK: true},
		{Step: "place", OK: true},
	}
}

func TestWebhookHandler_HandleSignal(t *testing.T) {
	t.Run("accepted signal returns the order and trail", func(t *testing.T) {
		var gotUserID int
		var gotWebhookID string
		var gotBody []byte

		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				gotUserID = userID
				gotWebhookID = webhookID
				gotBody = rawBody
				return &service.SignalOutcome{
					Order: &models.Order{ID: 42, BrokerOrderID: "Z-100", Status: models.OrderStatusOpen},
					Trail: fullTrail(),
				}, nil
			},
		}
		handler := NewWebhookHandler(mockSvc)

		payload := `{"symbol":"SBIN","action":"BUY","quantity":10}`
		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("7", "wh-abc", payload))

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if gotUserID != 7 || gotWebhookID != "wh-abc" {
			t.Errorf("routed to user=%d webhook=%q", gotUserID, gotWebhookID)
		}
		if string(gotBody) != payload {
			t.Errorf("body passed through = %q", gotBody)
		}

		var outcome service.SignalOutcome
		if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if outcome.Order == nil || outcome.Order.ID != 42 || outcome.Order.BrokerOrderID != "Z-100" {
			t.Errorf("order = %+v", outcome.Order)
		}
		if len(outcome.Trail) != 6 || outcome.Trail[5].Step != "place" {
			t.Errorf("trail = %+v", outcome.Trail)
		}
	})

	t.Run("invalid signal returns 400 with trail", func(t *testing.T) {
		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				return &service.SignalOutcome{
					Trail: []service.TrailStep{{Step: "parse", Detail: "quantity must be positive"}},
				}, service.ErrInvalidSignal
			},
		}
		handler := NewWebhookHandler(mockSvc)

		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("7", "wh-abc", `{}`))

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}

		var resp struct {
			Error string              `json:"error"`
			Trail []service.TrailStep `json:"trail"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error == "" {
			t.Error("error message missing")
		}
		if len(resp.Trail) != 1 || resp.Trail[0].Step != "parse" || resp.Trail[0].OK {
			t.Errorf("trail = %+v", resp.Trail)
		}
	})

	t.Run("unknown webhook returns 404", func(t *testing.T) {
		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				return nil, service.ErrUnknownWebhook
			},
		}
		handler := NewWebhookHandler(mockSvc)

		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("7", "wh-unknown", `{"symbol":"SBIN"}`))

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})

	t.Run("expired connection returns 409", func(t *testing.T) {
		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				return nil, service.ErrConnectionExpired
			},
		}
		handler := NewWebhookHandler(mockSvc)

		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("7", "wh-abc", `{"symbol":"SBIN"}`))

		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}
	})

	t.Run("rejected order is still a 200", func(t *testing.T) {
		// Отказ брокера - зафиксированный исход, не ошибка API
		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				trail := fullTrail()
				trail[5] = service.TrailStep{Step: "place", Detail: "insufficient funds"}
				return &service.SignalOutcome{
					Order: &models.Order{ID: 43, Status: models.OrderStatusRejected, StatusDetail: "insufficient funds"},
					Trail: trail,
				}, nil
			},
		}
		handler := NewWebhookHandler(mockSvc)

		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("7", "wh-abc", `{"symbol":"SBIN","action":"BUY","quantity":10}`))

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var outcome service.SignalOutcome
		if err := json.NewDecoder(w.Body).Decode(&outcome); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if outcome.Order == nil || outcome.Order.Status != models.OrderStatusRejected {
			t.Errorf("order = %+v", outcome.Order)
		}
	})

	t.Run("bad user id returns 400 without touching the service", func(t *testing.T) {
		called := false
		mockSvc := &MockOrderService{
			ProcessSignalFn: func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
				called = true
				return nil, nil
			},
		}
		handler := NewWebhookHandler(mockSvc)

		w := httptest.NewRecorder()
		handler.HandleSignal(w, signalRequest("abc", "wh-abc", `{}`))

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
		if called {
			t.Error("service must not be called")
		}
	})
}
