package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradelink/internal/broker"
	"tradelink/internal/models"
	"tradelink/internal/repository"
	"tradelink/pkg/retry"
)

// Интерфейсы зависимостей - узкие срезы репозиториев и сервисов,
// достаточные для опроса. Полные интерфейсы живут в internal/service
type ConnectionStore interface {
	GetByID(id int) (*models.BrokerConnection, error)
}

type OrderStore interface {
	GetByID(id int) (*models.Order, error)
	GetNonTerminal() ([]*models.Order, error)
	UpdateStatus(id int, status string, executedPrice float64, executedQty int, detail string) error
	SetPnl(id int, pnl float64) error
}

type AdapterProvider interface {
	GetAdapter(ctx context.Context, conn *models.BrokerConnection) (broker.Broker, error)
}

// SessionExpirer помечает подключение истёкшим при отклонении сессии
type SessionExpirer interface {
	MarkExpired(connectionID int, detail string) error
}

type Broadcaster interface {
	BroadcastOrderUpdate(order *models.Order)
}

// Engine опрашивает брокеров по незакрытым ордерам до терминального статуса
//
// Каждый размещённый ордер получает таску с собственной горутиной:
// опрос раз в pollInterval, снятие по терминальному статусу или по
// достижении trackCeiling. Статусы в БД двигаются только вперёд -
// запоздавший ответ брокера со старым статусом игнорируется
type Engine struct {
	connStore ConnectionStore
	orderRepo OrderStore
	adapters  AdapterProvider
	sessions  SessionExpirer

	broadcaster Broadcaster

	pollInterval time.Duration
	trackCeiling time.Duration

	// Ключ "orderID:brokerOrderID" - защита от двойного трекинга
	// одного размещения
	tasks   map[string]context.CancelFunc
	tasksMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine создает новый экземпляр reconciler'а
func NewEngine(
	connStore ConnectionStore,
	orderRepo OrderStore,
	adapters AdapterProvider,
	sessions SessionExpirer,
	pollInterval, trackCeiling time.Duration,
) *Engine {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if trackCeiling <= 0 {
		trackCeiling = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		connStore:    connStore,
		orderRepo:    orderRepo,
		adapters:     adapters,
		sessions:     sessions,
		pollInterval: pollInterval,
		trackCeiling: trackCeiling,
		tasks:        make(map[string]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetBroadcaster устанавливает WebSocket hub для обновлений ордеров
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// Track ставит ордер на отслеживание. Повторный Track того же
// размещения - no-op
func (e *Engine) Track(orderID, connectionID int, brokerOrderID string) {
	if brokerOrderID == "" {
		return
	}
	key := taskKey(orderID, brokerOrderID)

	e.tasksMu.Lock()
	if _, exists := e.tasks[key]; exists {
		e.tasksMu.Unlock()
		return
	}
	taskCtx, taskCancel := context.WithCancel(e.ctx)
	e.tasks[key] = taskCancel
	e.tasksMu.Unlock()

	ActiveTasks.Inc()
	e.wg.Add(1)
	go e.pollLoop(taskCtx, key, orderID, connectionID, brokerOrderID)

	log.Printf("[reconciler] order %d tracked: broker_order_id=%s", orderID, brokerOrderID)
}

// RecoverFromStore возобновляет отслеживание после рестарта процесса
// Поднимает все незакрытые ордера с известным broker_order_id
func (e *Engine) RecoverFromStore() error {
	orders, err := e.orderRepo.GetNonTerminal()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, order := range orders {
		e.Track(order.ID, order.ConnectionID, order.BrokerOrderID)
	}
	if len(orders) > 0 {
		log.Printf("[reconciler] recovered %d in-flight orders", len(orders))
	}
	return nil
}

// Shutdown останавливает все таски и дожидается их завершения
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// ActiveCount возвращает количество активных тасков
func (e *Engine) ActiveCount() int {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	return len(e.tasks)
}

func taskKey(orderID int, brokerOrderID string) string {
	return fmt.Sprintf("%d:%s", orderID, brokerOrderID)
}

// pollLoop - жизненный цикл одной таски
func (e *Engine) pollLoop(ctx context.Context, key string, orderID, connectionID int, brokerOrderID string) {
	defer e.wg.Done()
	defer e.dropTask(key)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.trackCeiling)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			// Ордер завис дольше потолка: снимаем таску, статус в БД
			// остаётся как есть - ручной кейс для оператора
			TasksAbandoned.Inc()
			log.Printf("[reconciler] order %d: still open after %s, tracking abandoned", orderID, e.trackCeiling)
			return
		case <-ticker.C:
			if done := e.pollOnce(ctx, orderID, connectionID, brokerOrderID); done {
				return
			}
		}
	}
}

// pollOnce выполняет один опрос статуса. true - таску пора снимать
func (e *Engine) pollOnce(ctx context.Context, orderID, connectionID int, brokerOrderID string) bool {
	conn, err := e.connStore.GetByID(connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			// Подключение удалили - опрашивать больше некого
			log.Printf("[reconciler] order %d: connection %d is gone, tracking stopped", orderID, connectionID)
			return true
		}
		log.Printf("[reconciler] order %d: connection lookup failed: %v", orderID, err)
		return false
	}

	adapter, err := e.adapters.GetAdapter(ctx, conn)
	if err != nil {
		log.Printf("[reconciler] order %d: adapter unavailable: %v", orderID, err)
		return false
	}

	PollsTotal.WithLabelValues(conn.Broker).Inc()

	update, err := adapter.GetOrderStatus(ctx, brokerOrderID)
	if err != nil {
		if broker.IsAuthError(err) {
			// Сессия умерла: дальнейший опрос бессмысленен до re-login
			recordPollError(conn.Broker, true)
			_ = e.sessions.MarkExpired(connectionID, "session rejected during order poll")
			log.Printf("[reconciler] order %d: session expired, tracking stopped", orderID)
			return true
		}
		// Сетевые сбои переживаем: следующий тик повторит
		recordPollError(conn.Broker, false)
		log.Printf("[reconciler] order %d: poll failed: %v", orderID, err)
		return false
	}

	return e.applyUpdate(ctx, conn, adapter, orderID, update)
}

// applyUpdate записывает результат опроса. Статус двигается только
// вперёд: ErrStatusRegression означает запоздавший ответ и игнорируется
func (e *Engine) applyUpdate(ctx context.Context, conn *models.BrokerConnection, adapter broker.Broker, orderID int, update *broker.OrderUpdate) bool {
	current, err := e.orderRepo.GetByID(orderID)
	if err != nil {
		log.Printf("[reconciler] order %d: lookup failed: %v", orderID, err)
		return false
	}

	if update.Status != current.Status {
		err := e.orderRepo.UpdateStatus(orderID, update.Status, update.AvgPrice, update.FilledQty, update.Message)
		switch {
		case errors.Is(err, repository.ErrStatusRegression):
			// Брокер вернул статус старее нашего - пропускаем
			return models.IsTerminalStatus(current.Status)
		case err != nil:
			log.Printf("[reconciler] order %d: status update failed: %v", orderID, err)
			return false
		}

		current.Status = update.Status
		current.ExecutedPrice = update.AvgPrice
		current.ExecutedQty = update.FilledQty
		current.StatusDetail = update.Message
		e.notify(current)

		log.Printf("[reconciler] order %d: %s (raw=%s filled=%d avg=%.2f)",
			orderID, update.Status, update.RawStatus, update.FilledQty, update.AvgPrice)
	}

	if !models.IsTerminalStatus(current.Status) {
		return false
	}

	recordTerminal(conn.Broker, current.Status)

	// Любой терминальный исход с исполнением меняет позицию:
	// частично исполненный CANCELLED пересинхронизируем так же, как COMPLETE
	if current.Status == models.OrderStatusComplete || current.ExecutedQty > 0 {
		e.resyncPnl(ctx, adapter, current)
	}
	return true
}

// resyncPnl подтягивает PNL позиции после терминального исхода ордера
// Идемпотентная операция - допускает retry
func (e *Engine) resyncPnl(ctx context.Context, adapter broker.Broker, order *models.Order) {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = retry.RetryIfNotContext

	positions, err := retry.DoWithResult(ctx, func() ([]*broker.Position, error) {
		return adapter.GetPositions(ctx)
	}, cfg)
	if err != nil {
		ResyncFailures.Inc()
		log.Printf("[reconciler] order %d: position resync failed: %v", order.ID, err)
		return
	}

	for _, pos := range positions {
		if pos.Symbol != order.Symbol || pos.Exchange != order.Exchange {
			continue
		}
		pnl := pos.RealizedPnl + pos.UnrealizedPnl
		if err := e.orderRepo.SetPnl(order.ID, pnl); err != nil {
			log.Printf("[reconciler] order %d: pnl not persisted: %v", order.ID, err)
			return
		}
		order.RealizedPnl = pnl
		e.notify(order)
		return
	}
}

func (e *Engine) dropTask(key string) {
	e.tasksMu.Lock()
	if cancel, ok := e.tasks[key]; ok {
		cancel()
		delete(e.tasks, key)
	}
	e.tasksMu.Unlock()
	ActiveTasks.Dec()
}

func (e *Engine) notify(order *models.Order) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastOrderUpdate(order)
	}
}
