package handlers

import (
	"context"
	"errors"

	"tradelink/internal/models"
	"tradelink/internal/service"
)

// ErrMockDatabase - ошибка слоя хранения для негативных сценариев
var ErrMockDatabase = errors.New("database failure")

// ============ Mock AuthService ============

// MockAuthService реализует service.AuthServiceInterface
// Поведение настраивается полями-функциями; nil-поле = разумный дефолт
type MockAuthService struct {
	CreateConnectionFn func(req *service.CreateConnectionRequest) (*models.BrokerConnection, error)
	GetConnectionFn    func(id int) (*models.BrokerConnection, error)
	ListConnectionsFn  func(userID int) ([]*models.BrokerConnection, error)
	StartLoginFn       func(connectionID int, totp string) (*service.LoginResult, error)
	ReconnectFn        func(connectionID int, totp string) (*service.LoginResult, error)
	CompleteOAuthFn    func(brokerName, code, state string) (*models.BrokerConnection, error)
	DisconnectFn       func(connectionID int) error
	DeleteFn           func(connectionID int) error
}

func (m *MockAuthService) CreateConnection(ctx context.Context, req *service.CreateConnectionRequest) (*models.BrokerConnection, error) {
	if m.CreateConnectionFn != nil {
		return m.CreateConnectionFn(req)
	}
	return &models.BrokerConnection{ID: 1, UserID: req.UserID, Broker: req.Broker, WebhookID: req.WebhookID, State: models.StateCreated}, nil
}

func (m *MockAuthService) GetConnection(id int) (*models.BrokerConnection, error) {
	if m.GetConnectionFn != nil {
		return m.GetConnectionFn(id)
	}
	return &models.BrokerConnection{ID: id, UserID: 7, Broker: "zerodha", State: models.StateAuthenticated}, nil
}

func (m *MockAuthService) ListConnections(userID int) ([]*models.BrokerConnection, error) {
	if m.ListConnectionsFn != nil {
		return m.ListConnectionsFn(userID)
	}
	return nil, nil
}

func (m *MockAuthService) StartLogin(ctx context.Context, connectionID int, totp string) (*service.LoginResult, error) {
	if m.StartLoginFn != nil {
		return m.StartLoginFn(connectionID, totp)
	}
	return &service.LoginResult{Authenticated: true}, nil
}

func (m *MockAuthService) Reconnect(ctx context.Context, connectionID int, totp string) (*service.LoginResult, error) {
	if m.ReconnectFn != nil {
		return m.ReconnectFn(connectionID, totp)
	}
	return &service.LoginResult{Authenticated: true}, nil
}

func (m *MockAuthService) CompleteOAuth(ctx context.Context, brokerName, code, state string) (*models.BrokerConnection, error) {
	if m.CompleteOAuthFn != nil {
		return m.CompleteOAuthFn(brokerName, code, state)
	}
	return &models.BrokerConnection{ID: 1, Broker: brokerName, State: models.StateAuthenticated}, nil
}

func (m *MockAuthService) Disconnect(ctx context.Context, connectionID int) error {
	if m.DisconnectFn != nil {
		return m.DisconnectFn(connectionID)
	}
	return nil
}

func (m *MockAuthService) Delete(ctx context.Context, connectionID int) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(connectionID)
	}
	return nil
}

// ============ Mock OrderService ============

// MockOrderService реализует service.OrderServiceInterface
type MockOrderService struct {
	ProcessSignalFn       func(userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error)
	GetOrderFn            func(id int) (*models.Order, error)
	GetUserOrdersFn       func(userID, limit int) ([]*models.Order, error)
	GetConnectionOrdersFn func(connectionID, limit int) ([]*models.Order, error)
}

func (m *MockOrderService) ProcessSignalTraced(ctx context.Context, userID int, webhookID string, rawBody []byte) (*service.SignalOutcome, error) {
	if m.ProcessSignalFn != nil {
		return m.ProcessSignalFn(userID, webhookID, rawBody)
	}
	return &service.SignalOutcome{
		Order: &models.Order{ID: 1, Status: models.OrderStatusOpen},
		Trail: []service.TrailStep{{Step: "place", OK: true}},
	}, nil
}

func (m *MockOrderService) GetOrder(id int) (*models.Order, error) {
	if m.GetOrderFn != nil {
		return m.GetOrderFn(id)
	}
	return &models.Order{ID: id, Status: models.OrderStatusOpen}, nil
}

func (m *MockOrderService) GetUserOrders(userID, limit int) ([]*models.Order, error) {
	if m.GetUserOrdersFn != nil {
		return m.GetUserOrdersFn(userID, limit)
	}
	return nil, nil
}

func (m *MockOrderService) GetConnectionOrders(connectionID, limit int) ([]*models.Order, error) {
	if m.GetConnectionOrdersFn != nil {
		return m.GetConnectionOrdersFn(connectionID, limit)
	}
	return nil, nil
}
