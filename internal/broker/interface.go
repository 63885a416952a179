// Package broker предоставляет унифицированный интерфейс для размещения ордеров
// через несовместимые протоколы брокеров.
package broker

import (
	"context"
	"errors"
)

// Broker определяет общий набор способностей адаптера брокера
//
// Адаптер не хранит состояние аутентификации в БД - он получает креды и токен
// через Connect и держит их только в памяти. Жизненным циклом токенов управляет
// оркестратор (internal/service/auth_service.go).
type Broker interface {
	// Connect прикрепляет расшифрованные креды и (если есть) текущую сессию.
	// Сетевых вызовов не делает.
	Connect(creds *Credentials) error

	// GetName возвращает имя брокера
	GetName() string

	// Authenticate выполняет логин протоколом брокера и возвращает новую сессию.
	// Для OAuth-брокеров завершить логин без redirect-раунда нельзя -
	// там используется интерфейс OAuthBroker, а Authenticate возвращает
	// ErrInteractiveAuthRequired.
	Authenticate(ctx context.Context) (*Session, error)

	// PlaceOrder размещает ордер. Единственная попытка, без retry.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error)

	// GetOrderStatus возвращает текущий статус ордера по broker order id
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error)

	// GetOrders возвращает ордербук за день
	GetOrders(ctx context.Context) ([]*OrderUpdate, error)

	// GetPositions возвращает открытые позиции
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetHoldings возвращает холдинги (delivery)
	GetHoldings(ctx context.Context) ([]*Holding, error)

	// TestConnection выполняет дешёвый аутентифицированный вызов для проверки сессии
	TestConnection(ctx context.Context) error

	// InvalidateSession сбрасывает токен в памяти адаптера
	InvalidateSession()
}

// OAuthBroker - дополнительные способности OAuth-брокеров (zerodha, upstox)
// Наличие проверяется type assertion в оркестраторе
type OAuthBroker interface {
	// LoginURL возвращает URL для redirect пользователя, state прокидывается
	// через redirect-раунд как корреляционный токен
	LoginURL(state string) string

	// ExchangeToken обменивает authorization code / request token на сессию
	ExchangeToken(ctx context.Context, code string) (*Session, error)
}

// RefreshableBroker - способность неинтерактивного продления сессии (upstox)
type RefreshableBroker interface {
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
}

// Credentials - расшифрованные креды и сессия, прикрепляемые к адаптеру
// Набор заполненных полей зависит от вида брокера
type Credentials struct {
	APIKey     string
	APISecret  string
	ClientCode string
	Password   string
	PIN        string
	TOTP       string // одноразовый код, передаётся только при логине

	AccessToken  string
	RefreshToken string

	// Для gateway-брокеров
	ServerURL  string
	VendorCode string

	// Callback URL для OAuth-брокеров (формируется оркестратором из конфига)
	RedirectURI string
}

// Session - результат аутентификации
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // секунды; 0 = брокер не сообщил expires_in
}

// OrderRequest - канонический запрос на размещение ордера
// Поля уже нормализованы pipeline'ом; Token - инструмент-идентификатор брокера,
// полученный через внешний symbol resolver (пустой для брокеров, принимающих символ)
type OrderRequest struct {
	Symbol       string
	Exchange     string
	Side         string // BUY, SELL
	Quantity     int
	OrderType    string // MARKET, LIMIT, SL, SL-M
	Product      string // MIS, CNC
	Price        float64
	TriggerPrice float64
	Validity     string // DAY, IOC
	Token        string
}

// PlacedOrder - результат успешного размещения
type PlacedOrder struct {
	BrokerOrderID string
	Status        string // канонический начальный статус
}

// OrderUpdate - нормализованный статус ордера
type OrderUpdate struct {
	BrokerOrderID string
	Status        string // канонический
	RawStatus     string // как вернул брокер
	FilledQty     int
	AvgPrice      float64
	Message       string
}

// Position представляет открытую позицию
type Position struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	NetQty        int     `json:"net_qty"`
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     float64 `json:"last_price"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Holding представляет холдинг (delivery-позицию)
type Holding struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Quantity  int     `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price"`
	Pnl       float64 `json:"pnl"`
}

// Ошибки адаптеров
var (
	// ErrAuthExpired - токен отсутствует/просрочен/отклонён брокером.
	// Оркестратор переводит подключение в EXPIRED
	ErrAuthExpired = errors.New("broker session expired or rejected")

	// ErrInteractiveAuthRequired - у брокера нет неинтерактивного логина
	ErrInteractiveAuthRequired = errors.New("broker requires interactive (redirect) authentication")

	// ErrNotConnected - адаптер используется до Connect
	ErrNotConnected = errors.New("broker adapter is not connected")
)

// OrderRejectedError - брокер отказал в размещении (риск-проверки, маржа, символ).
// Никогда не ретраится: повтор мог бы привести к двойному исполнению
type OrderRejectedError struct {
	Broker string
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return e.Broker + " rejected order: " + e.Reason
}

// BrokerError - неклассифицированная ошибка протокола брокера
// Оригинальное сообщение сохраняется для диагностики, никогда не глотается
type BrokerError struct {
	Broker   string
	Code     string
	Message  string
	Original error
}

func (e *BrokerError) Error() string {
	return e.Broker + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *BrokerError) Unwrap() error {
	return e.Original
}

// IsAuthError проверяет является ли ошибка ошибкой аутентификации
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// asBrokerError - сокращение для errors.As поверх *BrokerError
func asBrokerError(err error, target **BrokerError) bool {
	return errors.As(err, target)
}
