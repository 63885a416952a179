package models

import "time"

// Состояния подключения к брокеру
const (
	StateCreated       = "CREATED"
	StatePendingAuth   = "PENDING_AUTH"
	StateAuthenticated = "AUTHENTICATED"
	StateExpired       = "EXPIRED"
	StateDisconnected  = "DISCONNECTED"
)

// StateDetail-маркеры (свободный текст, но эти значения используются системой)
const (
	DetailNeedsCredentialReentry = "credentials re-entry required"
)

// BrokerConnection представляет связку пользователь-брокер
//
// Все секреты хранятся зашифрованными (AES-256-GCM, pkg/crypto) и никогда
// не сериализуются в JSON. Набор заполненных секретов зависит от брокера:
// OAuth-брокерам нужны api_key/api_secret, manual/hashed - client_code/password/totp,
// gateway-брокерам - api_key/api_secret + server_url в broker_config.
type BrokerConnection struct {
	ID        int    `json:"id" db:"id"`
	UserID    int    `json:"user_id" db:"user_id"`
	Broker    string `json:"broker" db:"broker"`         // zerodha, upstox, angel, shoonya, iifl, jainam
	WebhookID string `json:"webhook_id" db:"webhook_id"` // ключ маршрутизации входящих сигналов

	// Секреты (зашифрованы, не возвращаются в JSON)
	APIKey     string `json:"-" db:"api_key"`
	APISecret  string `json:"-" db:"api_secret"`
	ClientCode string `json:"-" db:"client_code"`
	Password   string `json:"-" db:"password"`
	PIN        string `json:"-" db:"pin"`
	TOTPSecret string `json:"-" db:"totp_secret"`

	// Сессия (токены зашифрованы)
	AccessToken  string     `json:"-" db:"access_token"`
	RefreshToken string     `json:"-" db:"refresh_token"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty" db:"token_expiry"`
	State        string     `json:"state" db:"state"`
	StateDetail  string     `json:"state_detail,omitempty" db:"state_detail"`

	// Опциональная брокер-специфичная конфигурация (JSON blob):
	// server_url для gateway-брокеров, vendor_code, redirect_uri
	BrokerConfig string `json:"broker_config,omitempty" db:"broker_config"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsActive возвращает true если подключение аутентифицировано
// Только активное подключение принимает webhook-сигналы
func (c *BrokerConnection) IsActive() bool {
	return c.State == StateAuthenticated
}

// HasValidToken проверяет пригодность access token на момент now
// Токен пригоден только при state = AUTHENTICATED И now < expiry
func (c *BrokerConnection) HasValidToken(now time.Time) bool {
	if c.State != StateAuthenticated || c.AccessToken == "" {
		return false
	}
	if c.TokenExpiry == nil {
		return false
	}
	return now.Before(*c.TokenExpiry)
}
