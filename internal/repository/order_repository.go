package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradelink/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrStatusRegression - попытка перевести статус назад или из терминального.
	// Poll-результаты приходят вне очереди, откат статуса запрещён
	ErrStatusRegression = errors.New("order status transition would regress")

	// ErrBrokerOrderIDSet - broker_order_id неизменяем после установки
	ErrBrokerOrderIDSet = errors.New("broker order id is already set")
)

const orderColumns = `id, connection_id, raw_signal, symbol, exchange, side, quantity, order_type, product, price, trigger_price, validity, broker_order_id, status, executed_price, executed_qty, realized_pnl, status_detail, created_at, updated_at`

// OrderRepository - работа с таблицей orders
//
// Записи не удаляются: таблица - audit trail всех размещений,
// включая отклонённые
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.ConnectionID,
		&order.RawSignal,
		&order.Symbol,
		&order.Exchange,
		&order.Side,
		&order.Quantity,
		&order.OrderType,
		&order.Product,
		&order.Price,
		&order.TriggerPrice,
		&order.Validity,
		&order.BrokerOrderID,
		&order.Status,
		&order.ExecutedPrice,
		&order.ExecutedQty,
		&order.RealizedPnl,
		&order.StatusDetail,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Create создает запись об ордере (обычно в статусе PENDING, до вызова брокера)
func (r *OrderRepository) Create(order *models.Order) error {
	query := `
		INSERT INTO orders (connection_id, raw_signal, symbol, exchange, side, quantity, order_type, product, price, trigger_price, validity, broker_order_id, status, executed_price, executed_qty, realized_pnl, status_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	err := r.db.QueryRow(
		query,
		order.ConnectionID,
		order.RawSignal,
		order.Symbol,
		order.Exchange,
		order.Side,
		order.Quantity,
		order.OrderType,
		order.Product,
		order.Price,
		order.TriggerPrice,
		order.Validity,
		order.BrokerOrderID,
		order.Status,
		order.ExecutedPrice,
		order.ExecutedQty,
		order.RealizedPnl,
		order.StatusDetail,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)

	if err != nil {
		return err
	}

	return nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(id int) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// GetByConnectionID возвращает ордера подключения
func (r *OrderRepository) GetByConnectionID(connectionID int, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// GetByUserID возвращает ордера всех подключений пользователя
func (r *OrderRepository) GetByUserID(userID int, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + prefixedOrderColumns("o") + `
		FROM orders o
		JOIN broker_connections c ON c.id = o.connection_id
		WHERE c.user_id = $1
		ORDER BY o.created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// GetNonTerminal возвращает ордера с broker_order_id, не достигшие
// финального статуса. Reconciler восстанавливает по ним poll-задачи
// после рестарта
func (r *OrderRepository) GetNonTerminal() ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ($1, $2) AND broker_order_id <> ''
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, models.OrderStatusPending, models.OrderStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// SetBrokerOrderID записывает broker order id один раз
// Повторная установка - ошибка: id неизменяем после присвоения брокером
func (r *OrderRepository) SetBrokerOrderID(id int, brokerOrderID string) error {
	query := `
		UPDATE orders
		SET broker_order_id = $1, updated_at = $2
		WHERE id = $3 AND broker_order_id = ''`

	result, err := r.db.Exec(query, brokerOrderID, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Либо ордера нет, либо id уже присвоен - различаем
		if _, err := r.GetByID(id); err != nil {
			return err
		}
		return ErrBrokerOrderIDSet
	}

	return nil
}

// UpdateStatus переводит статус ордера с проверкой монотонности.
// Переход проверяется и в коде, и в WHERE - конкурирующие poll'ы
// не могут откатить статус через гонку read-modify-write
func (r *OrderRepository) UpdateStatus(id int, status string, executedPrice float64, executedQty int, detail string) error {
	current, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if !models.CanTransitionStatus(current.Status, status) {
		return ErrStatusRegression
	}

	query := `
		UPDATE orders
		SET status = $1, executed_price = $2, executed_qty = $3, status_detail = $4, updated_at = $5
		WHERE id = $6 AND status IN ($7, $8)`

	result, err := r.db.Exec(query, status, executedPrice, executedQty, detail, time.Now(), id,
		models.OrderStatusPending, models.OrderStatusOpen)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStatusRegression
	}

	return nil
}

// SetRejected помечает ордер отклонённым с причиной брокера
func (r *OrderRepository) SetRejected(id int, reason string) error {
	return r.UpdateStatus(id, models.OrderStatusRejected, 0, 0, reason)
}

// SetPnl записывает realized PnL после завершения ордера
// Вызывается reconciler'ом по результатам resync позиций
func (r *OrderRepository) SetPnl(id int, pnl float64) error {
	query := `
		UPDATE orders
		SET realized_pnl = $1, updated_at = $2
		WHERE id = $3`

	result, err := r.db.Exec(query, pnl, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// prefixedOrderColumns возвращает список колонок с алиасом таблицы
func prefixedOrderColumns(alias string) string {
	cols := ""
	for i, c := range []string{
		"id", "connection_id", "raw_signal", "symbol", "exchange", "side",
		"quantity", "order_type", "product", "price", "trigger_price", "validity",
		"broker_order_id", "status", "executed_price", "executed_qty",
		"realized_pnl", "status_detail", "created_at", "updated_at",
	} {
		if i > 0 {
			cols += ", "
		}
		cols += alias + "." + c
	}
	return cols
}
