package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tradelink/internal/broker"
	"tradelink/internal/models"
)

// Ошибки сервиса ордеров
var (
	ErrInvalidSignal     = errors.New("signal validation failed")
	ErrUnknownWebhook    = errors.New("webhook id is not registered")
	ErrConnectionExpired = errors.New("connection session is expired")
)

// TrailStep - одна ступень конвейера обработки сигнала
type TrailStep struct {
	Step   string `json:"step"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// SignalOutcome - результат обработки сигнала вместе с пошаговым следом.
// След возвращается вебхук-вызывателю и при ошибке: по нему видно,
// на каком шаге сигнал сошёл с конвейера
type SignalOutcome struct {
	Order *models.Order `json:"order,omitempty"`
	Trail []TrailStep   `json:"trail"`
}

func (o *SignalOutcome) stepOK(step string) {
	o.Trail = append(o.Trail, TrailStep{Step: step, OK: true})
}

func (o *SignalOutcome) stepFailed(step, detail string) {
	o.Trail = append(o.Trail, TrailStep{Step: step, Detail: detail})
	// Неудачи размещения учитывает OrdersRejected, не этот счётчик
	if step != "place" {
		SignalsDropped.WithLabelValues(step).Inc()
	}
}

// OrderService - конвейер сигнал → ордер
//
// Каждый входящий вебхук проходит фиксированный путь: валидация,
// маршрутизация по webhook id, auth-precheck, резолв инструмента,
// запись PENDING, единственная попытка размещения, фиксация результата.
// Ордер создаётся в БД раньше вызова брокера: упавший процесс оставит
// запись PENDING без broker_order_id, а не безымянное размещение
type OrderService struct {
	connRepo  ConnectionRepositoryInterface
	orderRepo OrderRepositoryInterface
	adapters  AdapterProvider
	auth      *AuthService
	resolver  SymbolResolver

	tracker     OrderTracker
	broadcaster OrderBroadcaster
}

// NewOrderService создает новый экземпляр сервиса
func NewOrderService(
	connRepo ConnectionRepositoryInterface,
	orderRepo OrderRepositoryInterface,
	adapters AdapterProvider,
	auth *AuthService,
	resolver SymbolResolver,
) *OrderService {
	return &OrderService{
		connRepo:  connRepo,
		orderRepo: orderRepo,
		adapters:  adapters,
		auth:      auth,
		resolver:  resolver,
	}
}

// SetTracker устанавливает reconciler для отслеживания размещённых ордеров
func (s *OrderService) SetTracker(t OrderTracker) {
	s.tracker = t
}

// SetBroadcaster устанавливает WebSocket hub для обновлений ордеров
func (s *OrderService) SetBroadcaster(b OrderBroadcaster) {
	s.broadcaster = b
}

// ProcessSignal обрабатывает входящий торговый сигнал
// Обёртка над ProcessSignalTraced без следа обработки
func (s *OrderService) ProcessSignal(ctx context.Context, userID int, webhookID string, rawBody []byte) (*models.Order, error) {
	outcome, err := s.ProcessSignalTraced(ctx, userID, webhookID, rawBody)
	if err != nil {
		return nil, err
	}
	return outcome.Order, nil
}

// ProcessSignalTraced обрабатывает входящий торговый сигнал
// Выполняет:
// 1. Разбор и валидацию сигнала
// 2. Маршрутизацию по (user id, webhook id)
// 3. Auth-precheck: без живой сессии ордер не создаётся
// 4. Резолв инструмента для брокеров, требующих token
// 5. Запись PENDING и единственную попытку размещения
// 6. Фиксацию результата и передачу reconciler'у
// Каждый шаг оставляет запись в следе обработки, включая неудачный
func (s *OrderService) ProcessSignalTraced(ctx context.Context, userID int, webhookID string, rawBody []byte) (*SignalOutcome, error) {
	start := time.Now()
	defer func() { SignalLatency.Observe(time.Since(start).Seconds()) }()

	outcome := &SignalOutcome{}

	// 1. Разбор и валидация
	signal, err := parseSignal(rawBody)
	if err != nil {
		outcome.stepFailed("parse", err.Error())
		return outcome, errors.Join(ErrInvalidSignal, err)
	}
	outcome.stepOK("parse")

	// 2. Маршрутизация: webhook id должен принадлежать пользователю
	conn, err := s.connRepo.GetByWebhookID(userID, webhookID)
	if err != nil {
		outcome.stepFailed("route", "webhook id is not registered")
		return outcome, ErrUnknownWebhook
	}
	outcome.stepOK("route")

	// 3. Auth-precheck до создания записи: сигнал в мёртвое подключение
	// отклоняется целиком, ордер не создаётся
	if !conn.HasValidToken(time.Now()) {
		if conn.State == models.StateAuthenticated {
			// Состояние не отражало реальность - чиним
			_ = s.auth.MarkExpired(conn.ID, "token expiry passed")
		}
		outcome.stepFailed("auth", fmt.Sprintf("connection %d state=%s", conn.ID, conn.State))
		return outcome, fmt.Errorf("%w: connection %d state=%s", ErrConnectionExpired, conn.ID, conn.State)
	}

	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		err = s.auth.handleAdapterError(conn, err)
		outcome.stepFailed("auth", err.Error())
		return outcome, err
	}
	outcome.stepOK("auth")

	// 4. Инструмент-идентификатор для брокеров, не принимающих тикер
	token, err := s.resolver.Resolve(ctx, conn.Broker, signal.Exchange, signal.Symbol)
	if err != nil {
		outcome.stepFailed("resolve", err.Error())
		return outcome, fmt.Errorf("symbol resolution failed: %w", err)
	}
	outcome.stepOK("resolve")

	// 5. Запись PENDING до вызова брокера
	order := &models.Order{
		ConnectionID: conn.ID,
		RawSignal:    string(rawBody),
		Symbol:       signal.Symbol,
		Exchange:     signal.Exchange,
		Side:         signal.Action,
		Quantity:     signal.Quantity,
		OrderType:    signal.OrderType,
		Product:      signal.Product,
		Price:        signal.Price,
		TriggerPrice: signal.TriggerPrice,
		Validity:     signal.Validity,
		Status:       models.OrderStatusPending,
	}
	if err := s.orderRepo.Create(order); err != nil {
		outcome.stepFailed("persist", err.Error())
		return outcome, err
	}
	outcome.stepOK("persist")
	outcome.Order = order

	log.Printf("[order] order %d created: conn=%d %s %d %s @ %s", order.ID, conn.ID,
		order.Side, order.Quantity, order.Symbol, order.OrderType)

	// 6. Единственная попытка размещения, без retry
	placed, err := adapter.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol:       order.Symbol,
		Exchange:     order.Exchange,
		Side:         order.Side,
		Quantity:     order.Quantity,
		OrderType:    order.OrderType,
		Product:      order.Product,
		Price:        order.Price,
		TriggerPrice: order.TriggerPrice,
		Validity:     order.Validity,
		Token:        token,
	})
	if err != nil {
		s.handlePlacementFailure(order, conn, err)
		outcome.stepFailed("place", order.StatusDetail)
		return outcome, nil
	}

	if err := s.orderRepo.SetBrokerOrderID(order.ID, placed.BrokerOrderID); err != nil {
		// Ордер у брокера есть, наша запись не обновилась - логируем громко:
		// без сохранённого id reconciler это расхождение не подхватит
		log.Printf("[order] order %d: CRITICAL: broker order %s placed but id not persisted: %v",
			order.ID, placed.BrokerOrderID, err)
		outcome.stepFailed("place", "broker order placed but id not persisted")
		return outcome, err
	}
	order.BrokerOrderID = placed.BrokerOrderID

	if placed.Status != "" && placed.Status != models.OrderStatusPending {
		if err := s.orderRepo.UpdateStatus(order.ID, placed.Status, 0, 0, ""); err == nil {
			order.Status = placed.Status
		}
	}

	log.Printf("[order] order %d placed: broker_order_id=%s status=%s", order.ID, order.BrokerOrderID, order.Status)
	outcome.stepOK("place")
	OrdersPlaced.WithLabelValues(conn.Broker).Inc()

	s.notifyOrder(order)

	// Терминальный сразу (маркет-ордер исполнился) - трекать нечего
	if s.tracker != nil && !models.IsTerminalStatus(order.Status) {
		s.tracker.Track(order.ID, conn.ID, order.BrokerOrderID)
	}

	return outcome, nil
}

// handlePlacementFailure фиксирует исход неудачного размещения
//   - отказ брокера: ордер REJECTED с причиной, ошибка наружу не идёт
//   - отклонение сессии: ордер REJECTED, подключение EXPIRED
//   - прочее (сеть, таймаут): ордер REJECTED с текстом ошибки
func (s *OrderService) handlePlacementFailure(order *models.Order, conn *models.BrokerConnection, err error) {
	var rejected *broker.OrderRejectedError
	switch {
	case errors.As(err, &rejected):
		if dbErr := s.orderRepo.SetRejected(order.ID, rejected.Reason); dbErr != nil {
			log.Printf("[order] order %d: reject not persisted: %v", order.ID, dbErr)
		}
		order.Status = models.OrderStatusRejected
		order.StatusDetail = rejected.Reason
		log.Printf("[order] order %d rejected by broker: %s", order.ID, rejected.Reason)

	case broker.IsAuthError(err):
		if dbErr := s.orderRepo.SetRejected(order.ID, "broker session rejected"); dbErr != nil {
			log.Printf("[order] order %d: reject not persisted: %v", order.ID, dbErr)
		}
		order.Status = models.OrderStatusRejected
		order.StatusDetail = "broker session rejected"
		_ = s.auth.MarkExpired(conn.ID, "session rejected during order placement")
		log.Printf("[order] order %d: placement hit expired session", order.ID)

	default:
		detail := fmt.Sprintf("placement failed: %v", err)
		if dbErr := s.orderRepo.SetRejected(order.ID, detail); dbErr != nil {
			log.Printf("[order] order %d: reject not persisted: %v", order.ID, dbErr)
		}
		order.Status = models.OrderStatusRejected
		order.StatusDetail = detail
		log.Printf("[order] order %d: placement failed: %v", order.ID, err)
	}

	OrdersRejected.WithLabelValues(conn.Broker).Inc()
	s.notifyOrder(order)
}

// GetOrder возвращает ордер по id
func (s *OrderService) GetOrder(id int) (*models.Order, error) {
	return s.orderRepo.GetByID(id)
}

// GetUserOrders возвращает ордера пользователя
func (s *OrderService) GetUserOrders(userID, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.orderRepo.GetByUserID(userID, limit)
}

// GetConnectionOrders возвращает ордера подключения
func (s *OrderService) GetConnectionOrders(connectionID, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.orderRepo.GetByConnectionID(connectionID, limit)
}

func (s *OrderService) notifyOrder(order *models.Order) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastOrderUpdate(order)
	}
}

// parseSignal разбирает и нормализует входящий сигнал
func parseSignal(rawBody []byte) (*models.Signal, error) {
	var signal models.Signal
	if err := json.Unmarshal(rawBody, &signal); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	signal.Symbol = strings.ToUpper(strings.TrimSpace(signal.Symbol))
	signal.Action = strings.ToUpper(strings.TrimSpace(signal.Action))
	signal.Exchange = strings.ToUpper(strings.TrimSpace(signal.Exchange))
	signal.OrderType = strings.ToUpper(strings.TrimSpace(signal.OrderType))
	signal.Product = strings.ToUpper(strings.TrimSpace(signal.Product))
	signal.Validity = strings.ToUpper(strings.TrimSpace(signal.Validity))

	// Дефолты для необязательных полей
	if signal.Exchange == "" {
		signal.Exchange = "NSE"
	}
	if signal.OrderType == "" {
		signal.OrderType = models.OrderTypeMarket
	}
	if signal.Product == "" {
		signal.Product = models.ProductMIS
	}
	if signal.Validity == "" {
		signal.Validity = "DAY"
	}

	if err := validateSignal(&signal); err != nil {
		return nil, err
	}

	return &signal, nil
}

// validateSignal проверяет инварианты канонического сигнала
func validateSignal(s *models.Signal) error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.Action != models.SideBuy && s.Action != models.SideSell {
		return fmt.Errorf("action must be BUY or SELL, got %q", s.Action)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", s.Quantity)
	}

	switch s.OrderType {
	case models.OrderTypeMarket:
		// цена игнорируется
	case models.OrderTypeLimit, models.OrderTypeSL:
		if s.Price <= 0 {
			return fmt.Errorf("%s order requires a positive price", s.OrderType)
		}
	case models.OrderTypeSLM:
		// цена не нужна, нужен только триггер
	default:
		return fmt.Errorf("unknown order type %q", s.OrderType)
	}

	if s.OrderType == models.OrderTypeSL || s.OrderType == models.OrderTypeSLM {
		if s.TriggerPrice <= 0 {
			return fmt.Errorf("%s order requires a positive trigger price", s.OrderType)
		}
	}

	if s.Product != models.ProductMIS && s.Product != models.ProductCNC {
		return fmt.Errorf("product must be MIS or CNC, got %q", s.Product)
	}
	if s.Validity != "DAY" && s.Validity != "IOC" {
		return fmt.Errorf("validity must be DAY or IOC, got %q", s.Validity)
	}

	return nil
}

// PassthroughResolver - резолвер для брокеров, принимающих тикер напрямую
// Возвращает пустой token; брокеры с инструментным справочником получают
// настоящий резолвер снаружи
type PassthroughResolver struct{}

func (PassthroughResolver) Resolve(ctx context.Context, brokerName, exchange, symbol string) (string, error) {
	return "", nil
}
