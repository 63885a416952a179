package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"tradelink/internal/models"
)

// Ошибки репозитория подключений
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrWebhookIDExists    = errors.New("webhook id already in use")
)

const connectionColumns = `id, user_id, broker, webhook_id, api_key, api_secret, client_code, password, pin, totp_secret, access_token, refresh_token, token_expiry, state, state_detail, broker_config, created_at, updated_at`

// ConnectionRepository - работа с таблицей broker_connections
//
// Секреты приходят сюда уже зашифрованными: репозиторий хранит и отдаёт
// ciphertext как есть, шифрованием занимается сервисный слой
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository создает новый экземпляр репозитория
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.BrokerConnection, error) {
	conn := &models.BrokerConnection{}
	var tokenExpiry sql.NullTime
	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Broker,
		&conn.WebhookID,
		&conn.APIKey,
		&conn.APISecret,
		&conn.ClientCode,
		&conn.Password,
		&conn.PIN,
		&conn.TOTPSecret,
		&conn.AccessToken,
		&conn.RefreshToken,
		&tokenExpiry,
		&conn.State,
		&conn.StateDetail,
		&conn.BrokerConfig,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tokenExpiry.Valid {
		conn.TokenExpiry = &tokenExpiry.Time
	}
	return conn, nil
}

// Create создает подключение в состоянии CREATED
func (r *ConnectionRepository) Create(conn *models.BrokerConnection) error {
	query := `
		INSERT INTO broker_connections (user_id, broker, webhook_id, api_key, api_secret, client_code, password, pin, totp_secret, access_token, refresh_token, token_expiry, state, state_detail, broker_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`

	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.State == "" {
		conn.State = models.StateCreated
	}
	conn.Broker = strings.ToLower(conn.Broker)

	err := r.db.QueryRow(
		query,
		conn.UserID,
		conn.Broker,
		conn.WebhookID,
		conn.APIKey,
		conn.APISecret,
		conn.ClientCode,
		conn.Password,
		conn.PIN,
		conn.TOTPSecret,
		conn.AccessToken,
		conn.RefreshToken,
		conn.TokenExpiry,
		conn.State,
		conn.StateDetail,
		conn.BrokerConfig,
		conn.CreatedAt,
		conn.UpdatedAt,
	).Scan(&conn.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrWebhookIDExists
		}
		return err
	}

	return nil
}

// GetByID возвращает подключение по ID
func (r *ConnectionRepository) GetByID(id int) (*models.BrokerConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}

	return conn, nil
}

// GetByWebhookID возвращает подключение по webhook id и user id.
// Маршрутизация сигналов: webhook id должен принадлежать указанному
// пользователю. Если старая отключённая запись делит webhook id с живой,
// приоритет у AUTHENTICATED, дальше у самой свежей
func (r *ConnectionRepository) GetByWebhookID(userID int, webhookID string) (*models.BrokerConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE user_id = $1 AND webhook_id = $2
		ORDER BY (state = $3) DESC, updated_at DESC
		LIMIT 1`

	conn, err := scanConnection(r.db.QueryRow(query, userID, webhookID, models.StateAuthenticated))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}

	return conn, nil
}

// GetByUserID возвращает все подключения пользователя
func (r *ConnectionRepository) GetByUserID(userID int) ([]*models.BrokerConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.BrokerConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return conns, nil
}

// GetLatestPendingByBroker возвращает самое свежее подключение брокера
// в состоянии PENDING_AUTH. Последний шанс для OAuth-callback'а без
// корреляционного state
func (r *ConnectionRepository) GetLatestPendingByBroker(broker string) (*models.BrokerConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE broker = $1 AND state = $2
		ORDER BY updated_at DESC
		LIMIT 1`

	conn, err := scanConnection(r.db.QueryRow(query, strings.ToLower(broker), models.StatePendingAuth))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}

	return conn, nil
}

// GetExpiringBefore возвращает аутентифицированные подключения,
// токен которых истекает до cutoff. Используется expiry-sweep'ом
func (r *ConnectionRepository) GetExpiringBefore(cutoff time.Time) ([]*models.BrokerConnection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE state = $1 AND token_expiry IS NOT NULL AND token_expiry < $2`

	rows, err := r.db.Query(query, models.StateAuthenticated, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.BrokerConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return conns, nil
}

// UpdateTokens сохраняет новую сессию (зашифрованные токены и срок жизни)
func (r *ConnectionRepository) UpdateTokens(id int, accessToken, refreshToken string, expiry *time.Time) error {
	query := `
		UPDATE broker_connections
		SET access_token = $1, refresh_token = $2, token_expiry = $3, updated_at = $4
		WHERE id = $5`

	result, err := r.db.Exec(query, accessToken, refreshToken, expiry, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// UpdateState переводит подключение в новое состояние
// Допустимость перехода проверяет сервисный слой (service.CanTransition)
func (r *ConnectionRepository) UpdateState(id int, state, detail string) error {
	query := `
		UPDATE broker_connections
		SET state = $1, state_detail = $2, updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, state, detail, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// WipeTokens стирает сессию. Вызывается при disconnect и при
// невосстановимой ошибке расшифровки
func (r *ConnectionRepository) WipeTokens(id int) error {
	query := `
		UPDATE broker_connections
		SET access_token = '', refresh_token = '', token_expiry = NULL, updated_at = $1
		WHERE id = $2`

	result, err := r.db.Exec(query, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// Delete удаляет подключение
// Ордера подключения не трогаем: история размещений переживает подключение
func (r *ConnectionRepository) Delete(id int) error {
	query := `DELETE FROM broker_connections WHERE id = $1`

	result, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// isUniqueViolation проверяет нарушение unique constraint (PostgreSQL 23505)
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint")
}
