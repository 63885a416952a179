package service

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradelink/internal/broker"
	"tradelink/internal/models"
)

// json - сериализатор для webhook-пейлоадов и корреляционных токенов
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConnectionRepositoryInterface определяет интерфейс репозитория подключений
type ConnectionRepositoryInterface interface {
	Create(conn *models.BrokerConnection) error
	GetByID(id int) (*models.BrokerConnection, error)
	GetByWebhookID(userID int, webhookID string) (*models.BrokerConnection, error)
	GetByUserID(userID int) ([]*models.BrokerConnection, error)
	GetLatestPendingByBroker(broker string) (*models.BrokerConnection, error)
	GetExpiringBefore(cutoff time.Time) ([]*models.BrokerConnection, error)
	UpdateTokens(id int, accessToken, refreshToken string, expiry *time.Time) error
	UpdateState(id int, state, detail string) error
	WipeTokens(id int) error
	Delete(id int) error
}

// OrderRepositoryInterface определяет интерфейс репозитория ордеров
type OrderRepositoryInterface interface {
	Create(order *models.Order) error
	GetByID(id int) (*models.Order, error)
	GetByConnectionID(connectionID int, limit int) ([]*models.Order, error)
	GetByUserID(userID int, limit int) ([]*models.Order, error)
	GetNonTerminal() ([]*models.Order, error)
	SetBrokerOrderID(id int, brokerOrderID string) error
	UpdateStatus(id int, status string, executedPrice float64, executedQty int, detail string) error
	SetRejected(id int, reason string) error
	SetPnl(id int, pnl float64) error
}

// SymbolResolver переводит канонический символ в инструмент-идентификатор брокера
//
// upstox, angel и XTS-шлюзы не принимают тикер в заявке - им нужен
// числовой/составной id из инструментного справочника. Справочник живёт
// вне процесса (master contract файлы брокеров) и подставляется снаружи
type SymbolResolver interface {
	// Resolve возвращает идентификатор инструмента для данного брокера
	// Для брокеров, принимающих тикер напрямую, возвращает пустую строку
	Resolve(ctx context.Context, brokerName, exchange, symbol string) (string, error)
}

// OrderBroadcaster - интерфейс для отправки обновлений через WebSocket
type OrderBroadcaster interface {
	BroadcastOrderUpdate(order *models.Order)
	BroadcastConnectionUpdate(connectionID int, state, detail string)
}

// OrderTracker - интерфейс reconciler'а
// Сервис ордеров передаёт сюда каждый успешно размещённый ордер
type OrderTracker interface {
	Track(orderID int, connectionID int, brokerOrderID string)
}

// AdapterProvider выдаёт подключённый адаптер брокера для подключения
type AdapterProvider interface {
	GetAdapter(ctx context.Context, conn *models.BrokerConnection) (broker.Broker, error)
	Invalidate(connectionID int)
}

// AuthServiceInterface определяет интерфейс сервиса аутентификации для API handlers
type AuthServiceInterface interface {
	CreateConnection(ctx context.Context, req *CreateConnectionRequest) (*models.BrokerConnection, error)
	GetConnection(id int) (*models.BrokerConnection, error)
	ListConnections(userID int) ([]*models.BrokerConnection, error)
	StartLogin(ctx context.Context, connectionID int, totp string) (*LoginResult, error)
	Reconnect(ctx context.Context, connectionID int, totp string) (*LoginResult, error)
	CompleteOAuth(ctx context.Context, brokerName, code, state string) (*models.BrokerConnection, error)
	Disconnect(ctx context.Context, connectionID int) error
	Delete(ctx context.Context, connectionID int) error
}

// OrderServiceInterface определяет интерфейс сервиса ордеров для API handlers
type OrderServiceInterface interface {
	ProcessSignalTraced(ctx context.Context, userID int, webhookID string, rawBody []byte) (*SignalOutcome, error)
	GetOrder(id int) (*models.Order, error)
	GetUserOrders(userID, limit int) ([]*models.Order, error)
	GetConnectionOrders(connectionID, limit int) ([]*models.Order, error)
}
