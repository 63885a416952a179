package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tradelink/internal/broker"
	"tradelink/internal/models"
	"tradelink/pkg/crypto"
)

// Ошибки сервиса адаптеров
var (
	// ErrCredentialsUnreadable - секреты не расшифровываются (смена ключа,
	// порча данных). Подключение требует повторного ввода кредов
	ErrCredentialsUnreadable = errors.New("stored credentials cannot be decrypted")
)

// adapterEntry - слот кэша адаптеров. ready закрывается по завершении
// инициализации; ожидающие читают adapter/err только после этого
type adapterEntry struct {
	ready   chan struct{}
	adapter broker.Broker
	err     error
}

// BrokerService держит кэш подключённых адаптеров, по одному на подключение
//
// Адаптер дорог не созданием, а состоянием: он несёт расшифрованные креды
// и сессию в памяти. Get-or-create через per-key слот гарантирует, что
// конкурирующие сигналы одного подключения делят один адаптер и его
// rate limiter, а не плодят параллельные сессии. Инициализация одного
// подключения не блокирует остальные
type BrokerService struct {
	connRepo      ConnectionRepositoryInterface
	encryptionKey []byte

	adapters   map[int]*adapterEntry
	adaptersMu sync.Mutex
}

// NewBrokerService создает новый экземпляр сервиса
func NewBrokerService(connRepo ConnectionRepositoryInterface, encryptionKey []byte) *BrokerService {
	return &BrokerService{
		connRepo:      connRepo,
		encryptionKey: encryptionKey,
		adapters:      make(map[int]*adapterEntry),
	}
}

// GetAdapter возвращает подключённый адаптер для подключения (get-or-create)
func (s *BrokerService) GetAdapter(ctx context.Context, conn *models.BrokerConnection) (broker.Broker, error) {
	s.adaptersMu.Lock()
	if entry, ok := s.adapters[conn.ID]; ok {
		s.adaptersMu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return entry.adapter, entry.err
	}

	// Первый запрос по ключу инициализирует, конкуренты ждут ready
	entry := &adapterEntry{ready: make(chan struct{})}
	s.adapters[conn.ID] = entry
	s.adaptersMu.Unlock()

	entry.adapter, entry.err = s.buildAdapter(conn)
	close(entry.ready)

	if entry.err != nil {
		// Неудачная инициализация не кэшируется
		s.adaptersMu.Lock()
		if s.adapters[conn.ID] == entry {
			delete(s.adapters, conn.ID)
		}
		s.adaptersMu.Unlock()
		return nil, entry.err
	}
	return entry.adapter, nil
}

// buildAdapter создаёт адаптер и прикрепляет расшифрованные креды
func (s *BrokerService) buildAdapter(conn *models.BrokerConnection) (broker.Broker, error) {
	adapter, err := broker.NewBroker(conn.Broker)
	if err != nil {
		return nil, err
	}

	creds, err := s.decryptCredentials(conn)
	if err != nil {
		return nil, err
	}

	if err := adapter.Connect(creds); err != nil {
		return nil, err
	}

	return adapter, nil
}

// decryptCredentials расшифровывает секреты подключения
// Любая ошибка расшифровки - ErrCredentialsUnreadable: частично
// расшифрованные креды опаснее отсутствующих
func (s *BrokerService) decryptCredentials(conn *models.BrokerConnection) (*broker.Credentials, error) {
	creds := &broker.Credentials{}

	fields := []struct {
		ciphertext string
		dst        *string
	}{
		{conn.APIKey, &creds.APIKey},
		{conn.APISecret, &creds.APISecret},
		{conn.ClientCode, &creds.ClientCode},
		{conn.Password, &creds.Password},
		{conn.PIN, &creds.PIN},
		{conn.AccessToken, &creds.AccessToken},
		{conn.RefreshToken, &creds.RefreshToken},
	}
	for _, f := range fields {
		if f.ciphertext == "" {
			continue
		}
		plaintext, err := crypto.Decrypt(f.ciphertext, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsUnreadable, err)
		}
		*f.dst = plaintext
	}

	// broker_config хранится открытым текстом (не секрет)
	if conn.BrokerConfig != "" {
		var cfg struct {
			ServerURL   string `json:"server_url"`
			VendorCode  string `json:"vendor_code"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := json.Unmarshal([]byte(conn.BrokerConfig), &cfg); err != nil {
			return nil, fmt.Errorf("malformed broker_config: %w", err)
		}
		creds.ServerURL = cfg.ServerURL
		creds.VendorCode = cfg.VendorCode
		creds.RedirectURI = cfg.RedirectURI
	}

	return creds, nil
}

// Invalidate убирает адаптер из кэша
// Вызывается при смене кредов, новой сессии, disconnect и удалении
func (s *BrokerService) Invalidate(connectionID int) {
	s.adaptersMu.Lock()
	defer s.adaptersMu.Unlock()

	entry, ok := s.adapters[connectionID]
	if !ok {
		return
	}
	delete(s.adapters, connectionID)

	// Сессию гасим только у завершившейся инициализации
	select {
	case <-entry.ready:
		if entry.adapter != nil {
			entry.adapter.InvalidateSession()
		}
	default:
	}
}

// EncryptSecret шифрует секрет перед записью в БД
func (s *BrokerService) EncryptSecret(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return crypto.Encrypt(plaintext, s.encryptionKey)
}

// DecryptSecret расшифровывает секрет из БД
func (s *BrokerService) DecryptSecret(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plaintext, err := crypto.Decrypt(ciphertext, s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialsUnreadable, err)
	}
	return plaintext, nil
}
