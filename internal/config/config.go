package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradelink/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Reconciler ReconcilerConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string

	// Публичный базовый URL приложения. Из него строятся OAuth
	// redirect_uri: <PublicBaseURL>/api/v1/callbacks/{broker}
	PublicBaseURL string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
//
// Ключ шифрования кредов не хранится напрямую: он выводится из
// passphrase через PBKDF2, см. EncryptionKey()
type SecurityConfig struct {
	EncryptionPassphrase string
	EncryptionSalt       string
}

// ReconcilerConfig - настройки отслеживания размещённых ордеров
type ReconcilerConfig struct {
	PollInterval    time.Duration // период опроса статуса ордера у брокера
	TrackCeiling    time.Duration // потолок отслеживания одного ордера
	ExpirySweepFreq time.Duration // период проверки истекающих сессий
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          getEnvAsInt("SERVER_PORT", 8080),
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:      getEnvAsBool("USE_HTTPS", false),
			CertFile:      getEnv("CERT_FILE", ""),
			KeyFile:       getEnv("KEY_FILE", ""),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradelink"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionPassphrase: getEnv("ENCRYPTION_PASSPHRASE", ""),
			EncryptionSalt:       getEnv("ENCRYPTION_SALT", ""),
		},
		Reconciler: ReconcilerConfig{
			PollInterval:    getEnvAsDuration("ORDER_POLL_INTERVAL", 5*time.Second),
			TrackCeiling:    getEnvAsDuration("ORDER_TRACK_CEILING", 30*time.Minute),
			ExpirySweepFreq: getEnvAsDuration("SESSION_SWEEP_FREQ", 1*time.Minute),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_PASSPHRASE обязателен: без него нечем шифровать креды брокеров
	if c.Security.EncryptionPassphrase == "" {
		return fmt.Errorf("ENCRYPTION_PASSPHRASE is required for encrypting broker credentials")
	}

	if len(c.Security.EncryptionPassphrase) < 16 {
		return fmt.Errorf("ENCRYPTION_PASSPHRASE must be at least 16 characters")
	}

	if c.Security.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_SALT is required for key derivation")
	}

	if len(c.Security.EncryptionSalt) < 8 {
		return fmt.Errorf("ENCRYPTION_SALT must be at least 8 characters")
	}

	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Reconciler.PollInterval <= 0 {
		return fmt.Errorf("ORDER_POLL_INTERVAL must be positive, got %v", c.Reconciler.PollInterval)
	}

	if c.Reconciler.TrackCeiling < c.Reconciler.PollInterval {
		return fmt.Errorf("ORDER_TRACK_CEILING must not be shorter than ORDER_POLL_INTERVAL, got %v", c.Reconciler.TrackCeiling)
	}

	if c.Reconciler.ExpirySweepFreq <= 0 {
		return fmt.Errorf("SESSION_SWEEP_FREQ must be positive, got %v", c.Reconciler.ExpirySweepFreq)
	}

	return nil
}

// EncryptionKey выводит 32-байтный ключ AES-256 из passphrase и соли
func (s SecurityConfig) EncryptionKey() []byte {
	return crypto.DeriveKey(s.EncryptionPassphrase, []byte(s.EncryptionSalt))
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
