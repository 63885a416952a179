package service

import (
	"context"
	"sync"
	"time"

	"tradelink/internal/broker"
	"tradelink/internal/models"
	"tradelink/internal/repository"
)

// ============ Mock ConnectionRepository ============

type MockConnectionRepository struct {
	mu     sync.Mutex
	conns  map[int]*models.BrokerConnection
	nextID int

	createErr error
	getErr    error
	updateErr error
}

func NewMockConnectionRepository() *MockConnectionRepository {
	return &MockConnectionRepository{
		conns:  make(map[int]*models.BrokerConnection),
		nextID: 1,
	}
}

func (m *MockConnectionRepository) Create(conn *models.BrokerConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	conn.ID = m.nextID
	m.nextID++
	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.State == "" {
		conn.State = models.StateCreated
	}
	copied := *conn
	m.conns[conn.ID] = &copied
	return nil
}

func (m *MockConnectionRepository) GetByID(id int) (*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	conn, ok := m.conns[id]
	if !ok {
		return nil, repository.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (m *MockConnectionRepository) GetByWebhookID(userID int, webhookID string) (*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Как в настоящем репозитории: при дубле webhook id приоритет
	// у AUTHENTICATED записи
	var fallback *models.BrokerConnection
	for _, conn := range m.conns {
		if conn.UserID != userID || conn.WebhookID != webhookID {
			continue
		}
		if conn.State == models.StateAuthenticated {
			copied := *conn
			return &copied, nil
		}
		if fallback == nil {
			fallback = conn
		}
	}
	if fallback != nil {
		copied := *fallback
		return &copied, nil
	}
	return nil, repository.ErrConnectionNotFound
}

func (m *MockConnectionRepository) GetByUserID(userID int) ([]*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.BrokerConnection
	for _, conn := range m.conns {
		if conn.UserID == userID {
			copied := *conn
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *MockConnectionRepository) GetLatestPendingByBroker(brokerName string) (*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.BrokerConnection
	for _, conn := range m.conns {
		if conn.Broker == brokerName && conn.State == models.StatePendingAuth {
			if latest == nil || conn.UpdatedAt.After(latest.UpdatedAt) {
				latest = conn
			}
		}
	}
	if latest == nil {
		return nil, repository.ErrConnectionNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MockConnectionRepository) GetExpiringBefore(cutoff time.Time) ([]*models.BrokerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.BrokerConnection
	for _, conn := range m.conns {
		if conn.State == models.StateAuthenticated && conn.TokenExpiry != nil && conn.TokenExpiry.Before(cutoff) {
			copied := *conn
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *MockConnectionRepository) UpdateTokens(id int, accessToken, refreshToken string, expiry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	conn, ok := m.conns[id]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	conn.AccessToken = accessToken
	conn.RefreshToken = refreshToken
	conn.TokenExpiry = expiry
	conn.UpdatedAt = time.Now()
	return nil
}

func (m *MockConnectionRepository) UpdateState(id int, state, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	conn, ok := m.conns[id]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	conn.State = state
	conn.StateDetail = detail
	conn.UpdatedAt = time.Now()
	return nil
}

func (m *MockConnectionRepository) WipeTokens(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	conn.AccessToken = ""
	conn.RefreshToken = ""
	conn.TokenExpiry = nil
	return nil
}

func (m *MockConnectionRepository) Delete(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return repository.ErrConnectionNotFound
	}
	delete(m.conns, id)
	return nil
}

// ============ Mock OrderRepository ============

type MockOrderRepository struct {
	mu     sync.Mutex
	orders map[int]*models.Order
	nextID int

	createErr error
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[int]*models.Order),
		nextID: 1,
	}
}

func (m *MockOrderRepository) Create(order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	order.ID = m.nextID
	m.nextID++
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	copied := *order
	m.orders[order.ID] = &copied
	return nil
}

func (m *MockOrderRepository) GetByID(id int) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *MockOrderRepository) GetByConnectionID(connectionID int, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Order
	for _, o := range m.orders {
		if o.ConnectionID == connectionID {
			copied := *o
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *MockOrderRepository) GetByUserID(userID int, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Order
	for _, o := range m.orders {
		copied := *o
		result = append(result, &copied)
	}
	return result, nil
}

func (m *MockOrderRepository) GetNonTerminal() ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Order
	for _, o := range m.orders {
		if !models.IsTerminalStatus(o.Status) && o.BrokerOrderID != "" {
			copied := *o
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (m *MockOrderRepository) SetBrokerOrderID(id int, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if order.BrokerOrderID != "" {
		return repository.ErrBrokerOrderIDSet
	}
	order.BrokerOrderID = brokerOrderID
	return nil
}

func (m *MockOrderRepository) UpdateStatus(id int, status string, executedPrice float64, executedQty int, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
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

func (m *MockOrderRepository) SetRejected(id int, reason string) error {
	return m.UpdateStatus(id, models.OrderStatusRejected, 0, 0, reason)
}

func (m *MockOrderRepository) SetPnl(id int, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	order.RealizedPnl = pnl
	return nil
}

// ============ Fake broker adapter ============

// fakeBroker реализует broker.Broker + OAuthBroker + RefreshableBroker
type fakeBroker struct {
	mu   sync.Mutex
	name string

	placeResult *broker.PlacedOrder
	placeErr    error
	placeCalls  int

	statusResult *broker.OrderUpdate
	statusErr    error

	authSession *broker.Session
	authErr     error

	exchangeSession *broker.Session
	exchangeErr     error
	exchangeCode    string

	refreshSession *broker.Session
	refreshErr     error
	refreshCalls   int

	positions []*broker.Position

	invalidated bool
}

func (f *fakeBroker) Connect(creds *broker.Credentials) error { return nil }
func (f *fakeBroker) GetName() string                         { return f.name }

func (f *fakeBroker) Authenticate(ctx context.Context) (*broker.Session, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	if f.authSession != nil {
		return f.authSession, nil
	}
	return nil, broker.ErrInteractiveAuthRequired
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return f.placeResult, nil
}

func (f *fakeBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusResult, nil
}

func (f *fakeBroker) GetOrders(ctx context.Context) ([]*broker.OrderUpdate, error) {
	return nil, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) GetHoldings(ctx context.Context) ([]*broker.Holding, error) {
	return nil, nil
}

func (f *fakeBroker) TestConnection(ctx context.Context) error { return nil }

func (f *fakeBroker) InvalidateSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = true
}

func (f *fakeBroker) LoginURL(state string) string {
	return "https://login.example.com/?state=" + state
}

func (f *fakeBroker) ExchangeToken(ctx context.Context, code string) (*broker.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCode = code
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeSession, nil
}

func (f *fakeBroker) RefreshSession(ctx context.Context, refreshToken string) (*broker.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshSession, nil
}

// ============ Mock AdapterProvider ============

type MockAdapterProvider struct {
	mu          sync.Mutex
	adapter     broker.Broker
	err         error
	invalidated []int
}

func (m *MockAdapterProvider) GetAdapter(ctx context.Context, conn *models.BrokerConnection) (broker.Broker, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.adapter, nil
}

func (m *MockAdapterProvider) Invalidate(connectionID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, connectionID)
}

// ============ Plaintext cipher ============

// plainCipher - шифр-заглушка для тестов оркестратора
type plainCipher struct{}

func (plainCipher) EncryptSecret(plaintext string) (string, error)  { return plaintext, nil }
func (plainCipher) DecryptSecret(ciphertext string) (string, error) { return ciphertext, nil }

// ============ Mock broadcaster ============

type MockBroadcaster struct {
	mu          sync.Mutex
	orders      []*models.Order
	connUpdates []string
}

func (m *MockBroadcaster) BroadcastOrderUpdate(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *order
	m.orders = append(m.orders, &copied)
}

func (m *MockBroadcaster) BroadcastConnectionUpdate(connectionID int, state, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connUpdates = append(m.connUpdates, state)
}

// ============ Mock tracker ============

type MockTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (m *MockTracker) Track(orderID int, connectionID int, brokerOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = append(m.tracked, brokerOrderID)
}

// newTestAuthService собирает AuthService на моках
func newTestAuthService(connRepo *MockConnectionRepository, adapters AdapterProvider) *AuthService {
	return &AuthService{
		connRepo:        connRepo,
		adapters:        adapters,
		cipher:          plainCipher{},
		callbackBaseURL: "https://app.example.com",
	}
}
