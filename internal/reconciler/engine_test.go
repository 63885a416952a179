package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradelink/internal/broker"
	"tradelink/internal/models"
	"tradelink/internal/repository"
)

// ============ Моки ============

type stubConnStore struct {
	mu    sync.Mutex
	conns map[int]*models.BrokerConnection
}

func (s *stubConnStore) GetByID(id int) (*models.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, repository.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

type stubOrderStore struct {
	mu     sync.Mutex
	orders map[int]*models.Order
}

func newStubOrderStore(orders ...*models.Order) *stubOrderStore {
	s := &stubOrderStore{orders: make(map[int]*models.Order)}
	for _, o := range orders {
		copied := *o
		s.orders[o.ID] = &copied
	}
	return s
}

func (s *stubOrderStore) GetByID(id int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *stubOrderStore) GetNonTerminal() ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Order
	for _, o := range s.orders {
		if !models.IsTerminalStatus(o.Status) && o.BrokerOrderID != "" {
			copied := *o
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *stubOrderStore) UpdateStatus(id int, status string, executedPrice float64, executedQty int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if !models.CanTransitionStatus(order.Status, status) {
		return repository.ErrStatusRegression
	}
	order.Status = status
	order.ExecutedPrice = executedPrice
	order.ExecutedQty = executedQty
	order.StatusDetail = detail
	return nil
}

func (s *stubOrderStore) SetPnl(id int, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	order.RealizedPnl = pnl
	return nil
}

// scriptedAdapter отдаёт статусы по очереди, последний повторяется
type scriptedAdapter struct {
	mu        sync.Mutex
	name      string
	updates   []*broker.OrderUpdate
	statusErr error
	polls     int
	positions []*broker.Position
}

func (a *scriptedAdapter) Connect(creds *broker.Credentials) error { return nil }
func (a *scriptedAdapter) GetName() string                         { return a.name }
func (a *scriptedAdapter) Authenticate(ctx context.Context) (*broker.Session, error) {
	return nil, broker.ErrInteractiveAuthRequired
}
func (a *scriptedAdapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.PlacedOrder, error) {
	return nil, broker.ErrNotConnected
}

func (a *scriptedAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderUpdate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	idx := a.polls - 1
	if idx >= len(a.updates) {
		idx = len(a.updates) - 1
	}
	return a.updates[idx], nil
}

func (a *scriptedAdapter) GetOrders(ctx context.Context) ([]*broker.OrderUpdate, error) {
	return nil, nil
}
func (a *scriptedAdapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	return a.positions, nil
}
func (a *scriptedAdapter) GetHoldings(ctx context.Context) ([]*broker.Holding, error) {
	return nil, nil
}
func (a *scriptedAdapter) TestConnection(ctx context.Context) error { return nil }
func (a *scriptedAdapter) InvalidateSession()                       {}

func (a *scriptedAdapter) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

type stubProvider struct {
	adapter broker.Broker
}

func (p *stubProvider) GetAdapter(ctx context.Context, conn *models.BrokerConnection) (broker.Broker, error) {
	return p.adapter, nil
}

type stubExpirer struct {
	mu      sync.Mutex
	expired []int
}

func (s *stubExpirer) MarkExpired(connectionID int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, connectionID)
	return nil
}

func (s *stubExpirer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expired)
}

// ============ Хелперы ============

func testConnStore() *stubConnStore {
	return &stubConnStore{conns: map[int]*models.BrokerConnection{
		1: {ID: 1, UserID: 7, Broker: "zerodha", State: models.StateAuthenticated},
	}}
}

func openOrder() *models.Order {
	return &models.Order{
		ID: 10, ConnectionID: 1, BrokerOrderID: "Z-100",
		Symbol: "SBIN", Exchange: "NSE", Side: models.SideBuy,
		Quantity: 10, Status: models.OrderStatusPending,
	}
}

// waitFor опрашивает условие до таймаута
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

// ============ Тесты ============

func TestTrackPollsUntilComplete(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "zerodha",
		updates: []*broker.OrderUpdate{
			{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen, RawStatus: "OPEN"},
			{BrokerOrderID: "Z-100", Status: models.OrderStatusComplete, RawStatus: "COMPLETE", FilledQty: 10, AvgPrice: 542.5},
		},
		positions: []*broker.Position{
			{Symbol: "SBIN", Exchange: "NSE", NetQty: 10, RealizedPnl: 120.5, UnrealizedPnl: 10.0},
		},
	}
	orders := newStubOrderStore(openOrder())
	expirer := &stubExpirer{}

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, expirer, 10*time.Millisecond, time.Minute)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return engine.ActiveCount() == 0 })

	order, _ := orders.GetByID(10)
	if order.Status != models.OrderStatusComplete {
		t.Errorf("status = %s, want COMPLETE", order.Status)
	}
	if order.ExecutedQty != 10 || order.ExecutedPrice != 542.5 {
		t.Errorf("fills = %d @ %.2f", order.ExecutedQty, order.ExecutedPrice)
	}
	if order.RealizedPnl != 130.5 {
		t.Errorf("pnl = %.2f, want 130.50", order.RealizedPnl)
	}
	if expirer.count() != 0 {
		t.Error("no session expiry expected")
	}
}

func TestPartialFillCancelledResyncsPnl(t *testing.T) {
	// Отменённый ордер с частичным исполнением всё равно сдвинул позицию
	adapter := &scriptedAdapter{
		name: "zerodha",
		updates: []*broker.OrderUpdate{
			{BrokerOrderID: "Z-100", Status: models.OrderStatusCancelled, RawStatus: "CANCELLED", FilledQty: 4, AvgPrice: 540.0},
		},
		positions: []*broker.Position{
			{Symbol: "SBIN", Exchange: "NSE", NetQty: 4, RealizedPnl: 35.0, UnrealizedPnl: 5.0},
		},
	}
	orders := newStubOrderStore(openOrder())

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, 10*time.Millisecond, time.Minute)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return engine.ActiveCount() == 0 })

	order, _ := orders.GetByID(10)
	if order.Status != models.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", order.Status)
	}
	if order.ExecutedQty != 4 {
		t.Errorf("executed qty = %d, want 4", order.ExecutedQty)
	}
	if order.RealizedPnl != 40.0 {
		t.Errorf("pnl = %.2f, want 40.00 (partial fill must trigger resync)", order.RealizedPnl)
	}
}

func TestTrackDuplicateIsNoOp(t *testing.T) {
	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen}},
	}
	orders := newStubOrderStore(openOrder())

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, time.Hour, time.Hour)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")
	engine.Track(10, 1, "Z-100")
	engine.Track(10, 1, "Z-100")

	if got := engine.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	// Без broker_order_id трекать нечего
	engine.Track(11, 1, "")
	if got := engine.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount after empty id = %d, want 1", got)
	}
}

func TestTrackConcurrentStartsSingleTask(t *testing.T) {
	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen}},
	}
	orders := newStubOrderStore(openOrder())

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, time.Hour, time.Hour)
	defer engine.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Track(10, 1, "Z-100")
		}()
	}
	wg.Wait()

	// Гонка стартов не должна породить вторую таску на то же размещение
	if got := engine.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestAuthErrorStopsTrackingAndExpiresSession(t *testing.T) {
	adapter := &scriptedAdapter{name: "zerodha", statusErr: broker.ErrAuthExpired}
	orders := newStubOrderStore(openOrder())
	expirer := &stubExpirer{}

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, expirer, 10*time.Millisecond, time.Minute)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return engine.ActiveCount() == 0 })

	if expirer.count() != 1 {
		t.Errorf("MarkExpired calls = %d, want 1", expirer.count())
	}

	// Статус ордера не трогаем: он может быть жив у брокера
	order, _ := orders.GetByID(10)
	if order.Status != models.OrderStatusPending {
		t.Errorf("status = %s, want untouched PENDING", order.Status)
	}
}

func TestStaleStatusIgnored(t *testing.T) {
	// Брокер возвращает PENDING для ордера, который у нас уже OPEN
	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusPending, RawStatus: "received"}},
	}
	order := openOrder()
	order.Status = models.OrderStatusOpen
	orders := newStubOrderStore(order)

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, 10*time.Millisecond, time.Minute)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return adapter.pollCount() >= 3 })

	got, _ := orders.GetByID(10)
	if got.Status != models.OrderStatusOpen {
		t.Errorf("status = %s, stale PENDING must not regress OPEN", got.Status)
	}
	if engine.ActiveCount() != 1 {
		t.Error("non-terminal order must stay tracked")
	}
}

func TestTransientErrorKeepsPolling(t *testing.T) {
	adapter := &scriptedAdapter{name: "zerodha", statusErr: context.DeadlineExceeded}
	orders := newStubOrderStore(openOrder())
	expirer := &stubExpirer{}

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, expirer, 10*time.Millisecond, time.Minute)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return adapter.pollCount() >= 3 })

	if engine.ActiveCount() != 1 {
		t.Error("transient poll failures must not drop the task")
	}
	if expirer.count() != 0 {
		t.Error("transient errors must not expire the session")
	}
}

func TestTrackingCeilingAbandonsTask(t *testing.T) {
	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen}},
	}
	order := openOrder()
	order.Status = models.OrderStatusOpen
	orders := newStubOrderStore(order)

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, 10*time.Millisecond, 50*time.Millisecond)
	defer engine.Shutdown()

	engine.Track(10, 1, "Z-100")

	waitFor(t, 2*time.Second, func() bool { return engine.ActiveCount() == 0 })

	// Статус остаётся как был - таска снята, ордер не тронут
	got, _ := orders.GetByID(10)
	if got.Status != models.OrderStatusOpen {
		t.Errorf("status = %s, abandoned order must keep its status", got.Status)
	}
}

func TestRecoverFromStore(t *testing.T) {
	inflight := openOrder()
	inflight.Status = models.OrderStatusOpen

	done := &models.Order{
		ID: 11, ConnectionID: 1, BrokerOrderID: "Z-101",
		Symbol: "SBIN", Exchange: "NSE", Status: models.OrderStatusComplete,
	}
	unplaced := &models.Order{
		ID: 12, ConnectionID: 1, BrokerOrderID: "",
		Symbol: "SBIN", Exchange: "NSE", Status: models.OrderStatusPending,
	}
	orders := newStubOrderStore(inflight, done, unplaced)

	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen}},
	}
	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, time.Hour, time.Hour)
	defer engine.Shutdown()

	if err := engine.RecoverFromStore(); err != nil {
		t.Fatalf("RecoverFromStore: %v", err)
	}

	// Восстанавливается только незакрытый ордер с broker_order_id
	if got := engine.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestShutdownStopsTasks(t *testing.T) {
	adapter := &scriptedAdapter{
		name:    "zerodha",
		updates: []*broker.OrderUpdate{{BrokerOrderID: "Z-100", Status: models.OrderStatusOpen}},
	}
	orders := newStubOrderStore(openOrder())

	engine := NewEngine(testConnStore(), orders, &stubProvider{adapter: adapter}, &stubExpirer{}, 10*time.Millisecond, time.Minute)
	engine.Track(10, 1, "Z-100")

	engine.Shutdown()

	if got := engine.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after shutdown = %d, want 0", got)
	}
}
