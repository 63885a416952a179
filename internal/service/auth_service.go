package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tradelink/internal/broker"
	"tradelink/internal/models"
	"tradelink/internal/repository"
	"tradelink/pkg/retry"
)

// Ошибки сервиса аутентификации
var (
	ErrBrokerNotSupported  = errors.New("broker is not supported")
	ErrInvalidTransition   = errors.New("invalid connection state transition")
	ErrTOTPRequired        = errors.New("one-time code is required for this broker")
	ErrLoginFailed         = errors.New("broker login failed")
	ErrNotRefreshable      = errors.New("broker does not support session refresh")
	ErrCallbackUnmatched   = errors.New("oauth callback cannot be matched to a connection")
	ErrConnectionNotActive = errors.New("connection is not authenticated")
)

// defaultSessionTTL - консервативный срок жизни сессии, когда брокер
// не сообщает expires_in. Индийские брокерские сессии живут торговый день;
// 6 часов заставляют sweep перепроверить сессию до конца дня
const defaultSessionTTL = 6 * time.Hour

// istZone - IST (UTC+5:30), таймзона cutover'а Kite
var istZone = time.FixedZone("IST", 5*3600+1800)

// CreateConnectionRequest - параметры нового подключения
type CreateConnectionRequest struct {
	UserID     int    `json:"user_id"`
	Broker     string `json:"broker"`
	WebhookID  string `json:"webhook_id"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	PIN        string `json:"pin"`

	// Брокер-специфика: server_url для gateway, vendor_code для shoonya
	ServerURL  string `json:"server_url"`
	VendorCode string `json:"vendor_code"`
}

// correlationToken прокидывается через OAuth redirect-раунд как state
// и позволяет привязать callback к конкретному подключению
type correlationToken struct {
	ConnectionID int  `json:"connection_id"`
	UserID       int  `json:"user_id"`
	Reconnect    bool `json:"reconnect"`
}

func encodeCorrelation(t correlationToken) string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCorrelation(s string) (correlationToken, error) {
	var t correlationToken
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	return t, nil
}

// AuthService - оркестратор жизненного цикла сессий брокеров
//
// Владеет машиной состояний подключения и хранением токенов. Сами
// протоколы логина живут в адаптерах (internal/broker) - сервис только
// диспетчеризует по семейству протокола и фиксирует результат
type AuthService struct {
	connRepo ConnectionRepositoryInterface
	adapters AdapterProvider
	cipher   secretCipher

	// Базовый URL для OAuth callback'ов, из конфига:
	// <callbackBaseURL>/api/v1/callbacks/{broker}
	callbackBaseURL string

	broadcaster OrderBroadcaster
}

// secretCipher - шифрование секретов перед записью в БД
type secretCipher interface {
	EncryptSecret(plaintext string) (string, error)
	DecryptSecret(ciphertext string) (string, error)
}

// NewAuthService создает новый экземпляр сервиса
func NewAuthService(
	connRepo ConnectionRepositoryInterface,
	brokerSvc *BrokerService,
	callbackBaseURL string,
) *AuthService {
	return &AuthService{
		connRepo:        connRepo,
		adapters:        brokerSvc,
		cipher:          brokerSvc,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
	}
}

// SetBroadcaster устанавливает WebSocket hub для уведомлений о смене состояния
// Вызывается после инициализации Hub в main.go
func (s *AuthService) SetBroadcaster(b OrderBroadcaster) {
	s.broadcaster = b
}

// CreateConnection создает подключение в состоянии CREATED
// Выполняет:
// 1. Проверку поддержки брокера
// 2. Валидацию обязательных кредов для семейства протокола
// 3. Шифрование секретов
// 4. Сохранение в БД
func (s *AuthService) CreateConnection(ctx context.Context, req *CreateConnectionRequest) (*models.BrokerConnection, error) {
	name := strings.ToLower(req.Broker)

	// 1. Поддерживается ли брокер
	kind, ok := broker.KindOf(name)
	if !ok {
		return nil, ErrBrokerNotSupported
	}

	// 2. Обязательные креды зависят от семейства
	if err := validateCredentials(kind, req); err != nil {
		return nil, err
	}

	// 3. Секреты шифруются до того, как запись покидает сервис
	conn := &models.BrokerConnection{
		UserID:    req.UserID,
		Broker:    name,
		WebhookID: req.WebhookID,
		State:     models.StateCreated,
	}

	var err error
	if conn.APIKey, err = s.cipher.EncryptSecret(req.APIKey); err != nil {
		return nil, err
	}
	if conn.APISecret, err = s.cipher.EncryptSecret(req.APISecret); err != nil {
		return nil, err
	}
	if conn.ClientCode, err = s.cipher.EncryptSecret(req.ClientCode); err != nil {
		return nil, err
	}
	if conn.Password, err = s.cipher.EncryptSecret(req.Password); err != nil {
		return nil, err
	}
	if conn.PIN, err = s.cipher.EncryptSecret(req.PIN); err != nil {
		return nil, err
	}

	if req.ServerURL != "" || req.VendorCode != "" || kind == broker.KindOAuth || kind == broker.KindOAuthRefresh {
		cfg := map[string]string{}
		if req.ServerURL != "" {
			cfg["server_url"] = req.ServerURL
		}
		if req.VendorCode != "" {
			cfg["vendor_code"] = req.VendorCode
		}
		if kind == broker.KindOAuth || kind == broker.KindOAuthRefresh {
			cfg["redirect_uri"] = s.callbackURL(name)
		}
		raw, _ := json.Marshal(cfg)
		conn.BrokerConfig = string(raw)
	}

	// 4. Сохраняем
	if err := s.connRepo.Create(conn); err != nil {
		return nil, err
	}

	log.Printf("[auth] connection %d created: broker=%s webhook=%s", conn.ID, name, conn.WebhookID)
	return conn, nil
}

// validateCredentials проверяет наличие обязательных кредов для семейства
func validateCredentials(kind string, req *CreateConnectionRequest) error {
	switch kind {
	case broker.KindOAuth, broker.KindOAuthRefresh:
		if req.APIKey == "" || req.APISecret == "" {
			return fmt.Errorf("api_key and api_secret are required")
		}
	case broker.KindManual:
		if req.APIKey == "" || req.ClientCode == "" || req.Password == "" {
			return fmt.Errorf("api_key, client_code and password are required")
		}
	case broker.KindHashed:
		if req.ClientCode == "" || req.APISecret == "" || req.Password == "" {
			return fmt.Errorf("client_code, api_secret and password are required")
		}
	case broker.KindGateway:
		if req.APIKey == "" || req.APISecret == "" || req.ServerURL == "" {
			return fmt.Errorf("api_key, api_secret and server_url are required")
		}
	}
	return nil
}

func (s *AuthService) callbackURL(brokerName string) string {
	return s.callbackBaseURL + "/api/v1/callbacks/" + brokerName
}

// LoginResult - результат StartLogin
// Для OAuth-брокеров заполнен LoginURL (пользователя надо редиректить),
// для остальных логин завершается на месте
type LoginResult struct {
	LoginURL      string `json:"login_url,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// StartLogin запускает логин подключения
// Диспетчеризация по семейству протокола:
//   - oauth, oauth_refresh: переводим в PENDING_AUTH и возвращаем LoginURL
//   - manual, hashed: нужен одноразовый код, логин выполняется сразу
//   - gateway: неинтерактивный логин по ключам
func (s *AuthService) StartLogin(ctx context.Context, connectionID int, totp string) (*LoginResult, error) {
	conn, err := s.connRepo.GetByID(connectionID)
	if err != nil {
		return nil, err
	}

	kind, ok := broker.KindOf(conn.Broker)
	if !ok {
		return nil, ErrBrokerNotSupported
	}

	switch kind {
	case broker.KindOAuth, broker.KindOAuthRefresh:
		return s.startOAuthLogin(ctx, conn, false)
	case broker.KindManual, broker.KindHashed:
		if totp == "" {
			return nil, ErrTOTPRequired
		}
		return s.interactiveLogin(ctx, conn, totp)
	case broker.KindGateway:
		return s.gatewayLogin(ctx, conn)
	default:
		return nil, ErrBrokerNotSupported
	}
}

// startOAuthLogin переводит подключение в PENDING_AUTH и строит LoginURL
func (s *AuthService) startOAuthLogin(ctx context.Context, conn *models.BrokerConnection, reconnect bool) (*LoginResult, error) {
	if !CanTransition(conn.State, models.StatePendingAuth) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.State, models.StatePendingAuth)
	}

	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		return nil, s.handleAdapterError(conn, err)
	}

	oauth, ok := adapter.(broker.OAuthBroker)
	if !ok {
		return nil, ErrBrokerNotSupported
	}

	state := encodeCorrelation(correlationToken{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Reconnect:    reconnect,
	})

	if err := s.connRepo.UpdateState(conn.ID, models.StatePendingAuth, ""); err != nil {
		return nil, err
	}
	s.notifyState(conn.ID, models.StatePendingAuth, "")

	log.Printf("[auth] connection %d: oauth login started (broker=%s reconnect=%v)", conn.ID, conn.Broker, reconnect)
	return &LoginResult{LoginURL: oauth.LoginURL(state)}, nil
}

// interactiveLogin выполняет логин с одноразовым кодом (manual, hashed)
// TOTP живёт секунды и никогда не сохраняется - только прокидывается адаптеру
func (s *AuthService) interactiveLogin(ctx context.Context, conn *models.BrokerConnection, totp string) (*LoginResult, error) {
	if !CanTransition(conn.State, models.StateAuthenticated) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.State, models.StateAuthenticated)
	}

	// Свежий адаптер: предыдущий мог нести устаревшую сессию
	s.adapters.Invalidate(conn.ID)
	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		return nil, s.handleAdapterError(conn, err)
	}

	// Прикрепляем TOTP поверх сохранённых кредов
	creds, err := s.decryptedCredentials(conn)
	if err != nil {
		return nil, s.handleAdapterError(conn, err)
	}
	creds.TOTP = totp
	if err := adapter.Connect(creds); err != nil {
		return nil, err
	}

	session, err := adapter.Authenticate(ctx)
	if err != nil {
		log.Printf("[auth] connection %d: login failed: %v", conn.ID, err)
		return nil, errors.Join(ErrLoginFailed, err)
	}

	if err := s.storeSession(conn, session); err != nil {
		return nil, err
	}

	log.Printf("[auth] connection %d: authenticated (broker=%s)", conn.ID, conn.Broker)
	return &LoginResult{Authenticated: true}, nil
}

// gatewayLogin выполняет неинтерактивный логин gateway-брокера
func (s *AuthService) gatewayLogin(ctx context.Context, conn *models.BrokerConnection) (*LoginResult, error) {
	if !CanTransition(conn.State, models.StateAuthenticated) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.State, models.StateAuthenticated)
	}

	s.adapters.Invalidate(conn.ID)
	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		return nil, s.handleAdapterError(conn, err)
	}

	session, err := adapter.Authenticate(ctx)
	if err != nil {
		log.Printf("[auth] connection %d: gateway login failed: %v", conn.ID, err)
		return nil, errors.Join(ErrLoginFailed, err)
	}

	if err := s.storeSession(conn, session); err != nil {
		return nil, err
	}

	log.Printf("[auth] connection %d: authenticated (broker=%s)", conn.ID, conn.Broker)
	return &LoginResult{Authenticated: true}, nil
}

// CompleteOAuth завершает OAuth redirect-раунд
// Выполняет:
// 1. Привязку callback'а к подключению (state, либо degraded fallback)
// 2. Проверку, что подключение ждёт логин (защита от replay'а)
// 3. Обмен кода на сессию
// 4. Сохранение токенов и переход в AUTHENTICATED
func (s *AuthService) CompleteOAuth(ctx context.Context, brokerName, code, state string) (*models.BrokerConnection, error) {
	conn, err := s.resolveCallback(brokerName, state)
	if err != nil {
		return nil, err
	}

	// Повторный или запоздавший callback не должен реанимировать
	// подключение: код обмениваем только из PENDING_AUTH
	if conn.State != models.StatePendingAuth {
		log.Printf("[auth] connection %d: oauth callback in state %s ignored", conn.ID, conn.State)
		return nil, fmt.Errorf("%w: connection %d is not awaiting login", ErrCallbackUnmatched, conn.ID)
	}

	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		return nil, s.handleAdapterError(conn, err)
	}

	oauth, ok := adapter.(broker.OAuthBroker)
	if !ok {
		return nil, ErrBrokerNotSupported
	}

	session, err := oauth.ExchangeToken(ctx, code)
	if err != nil {
		log.Printf("[auth] connection %d: token exchange failed: %v", conn.ID, err)
		return nil, errors.Join(ErrLoginFailed, err)
	}

	if err := s.storeSession(conn, session); err != nil {
		return nil, err
	}

	log.Printf("[auth] connection %d: oauth completed (broker=%s)", conn.ID, brokerName)
	return conn, nil
}

// resolveCallback находит подключение для OAuth callback'а
// Нормальный путь - корреляционный state. Некоторые брокеры теряют
// state при redirect'е; тогда последний шанс - самое свежее подключение
// этого брокера в PENDING_AUTH. Fallback громко логируется: при
// нескольких одновременных логинах он может привязать не туда
func (s *AuthService) resolveCallback(brokerName, state string) (*models.BrokerConnection, error) {
	if state != "" {
		token, err := decodeCorrelation(state)
		if err == nil && token.ConnectionID > 0 {
			conn, err := s.connRepo.GetByID(token.ConnectionID)
			if err != nil {
				return nil, err
			}
			if conn.UserID != token.UserID {
				return nil, ErrCallbackUnmatched
			}
			return conn, nil
		}
		log.Printf("[auth] oauth callback: malformed state %q, falling back", state)
	}

	conn, err := s.connRepo.GetLatestPendingByBroker(brokerName)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return nil, ErrCallbackUnmatched
		}
		return nil, err
	}

	log.Printf("[auth] WARNING: oauth callback for %s matched by fallback to connection %d - correlation state was missing", brokerName, conn.ID)
	return conn, nil
}

// storeSession шифрует и сохраняет сессию, переводит в AUTHENTICATED
func (s *AuthService) storeSession(conn *models.BrokerConnection, session *broker.Session) error {
	encAccess, err := s.cipher.EncryptSecret(session.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := s.cipher.EncryptSecret(session.RefreshToken)
	if err != nil {
		return err
	}

	expiry := sessionExpiry(conn.Broker, time.Now(), session.ExpiresIn)
	if err := s.connRepo.UpdateTokens(conn.ID, encAccess, encRefresh, &expiry); err != nil {
		return err
	}
	if err := s.connRepo.UpdateState(conn.ID, models.StateAuthenticated, ""); err != nil {
		return err
	}

	// Кэшированный адаптер нёс старую сессию
	s.adapters.Invalidate(conn.ID)
	s.notifyState(conn.ID, models.StateAuthenticated, "")

	conn.State = models.StateAuthenticated
	conn.TokenExpiry = &expiry
	return nil
}

// sessionExpiry вычисляет срок жизни сессии
//   - kite (zerodha) не сообщает expires_in: токен живёт до cutover
//     следующего дня в 06:00 IST
//   - брокеры с expires_in: берём как есть
//   - остальные: консервативный дефолт
func sessionExpiry(brokerName string, now time.Time, expiresIn int64) time.Time {
	if brokerName == "zerodha" {
		ist := now.In(istZone)
		cutover := time.Date(ist.Year(), ist.Month(), ist.Day(), 6, 0, 0, 0, istZone)
		if !ist.Before(cutover) {
			cutover = cutover.AddDate(0, 0, 1)
		}
		return cutover
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return now.Add(defaultSessionTTL)
}

// Refresh продлевает сессию без участия пользователя (только oauth_refresh)
// Идемпотентная операция - допускает retry
func (s *AuthService) Refresh(ctx context.Context, connectionID int) error {
	conn, err := s.connRepo.GetByID(connectionID)
	if err != nil {
		return err
	}

	adapter, err := s.adapters.GetAdapter(ctx, conn)
	if err != nil {
		return s.handleAdapterError(conn, err)
	}

	refreshable, ok := adapter.(broker.RefreshableBroker)
	if !ok {
		return ErrNotRefreshable
	}

	refreshToken, err := s.cipher.DecryptSecret(conn.RefreshToken)
	if err != nil {
		return s.handleAdapterError(conn, err)
	}
	if refreshToken == "" {
		return ErrNotRefreshable
	}

	session, err := retry.DoWithResult(ctx, func() (*broker.Session, error) {
		sess, err := refreshable.RefreshSession(ctx, refreshToken)
		if err != nil && broker.IsAuthError(err) {
			// refresh token мёртв, повторять бессмысленно
			return nil, retry.Permanent(err)
		}
		return sess, err
	}, retryConfig())
	if err != nil {
		log.Printf("[auth] connection %d: refresh failed: %v", conn.ID, err)
		if broker.IsAuthError(err) || retry.IsPermanent(err) {
			return s.MarkExpired(conn.ID, "session refresh rejected by broker")
		}
		return err
	}

	if err := s.storeSession(conn, session); err != nil {
		return err
	}

	log.Printf("[auth] connection %d: session refreshed", conn.ID)
	return nil
}

func retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = retry.RetryIfNotContext
	return cfg
}

// Reconnect запускает повторный логин истёкшего/отключённого подключения
// с сохранёнными кредами. Для manual/hashed нужен свежий TOTP
func (s *AuthService) Reconnect(ctx context.Context, connectionID int, totp string) (*LoginResult, error) {
	conn, err := s.connRepo.GetByID(connectionID)
	if err != nil {
		return nil, err
	}

	kind, ok := broker.KindOf(conn.Broker)
	if !ok {
		return nil, ErrBrokerNotSupported
	}

	switch kind {
	case broker.KindOAuthRefresh:
		// Сначала дешёвый путь: живой refresh token
		if conn.RefreshToken != "" {
			if err := s.Refresh(ctx, connectionID); err == nil {
				return &LoginResult{Authenticated: true}, nil
			}
			log.Printf("[auth] connection %d: refresh path failed, falling back to redirect", conn.ID)
		}
		return s.startOAuthLogin(ctx, conn, true)
	case broker.KindOAuth:
		return s.startOAuthLogin(ctx, conn, true)
	case broker.KindManual, broker.KindHashed:
		if totp == "" {
			return nil, ErrTOTPRequired
		}
		return s.interactiveLogin(ctx, conn, totp)
	case broker.KindGateway:
		return s.gatewayLogin(ctx, conn)
	default:
		return nil, ErrBrokerNotSupported
	}
}

// GetConnection возвращает подключение по id
func (s *AuthService) GetConnection(id int) (*models.BrokerConnection, error) {
	return s.connRepo.GetByID(id)
}

// ListConnections возвращает подключения пользователя
func (s *AuthService) ListConnections(userID int) ([]*models.BrokerConnection, error) {
	return s.connRepo.GetByUserID(userID)
}

// Disconnect отключает подключение: стирает сессию, переводит в DISCONNECTED
func (s *AuthService) Disconnect(ctx context.Context, connectionID int) error {
	conn, err := s.connRepo.GetByID(connectionID)
	if err != nil {
		return err
	}

	if !CanTransition(conn.State, models.StateDisconnected) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conn.State, models.StateDisconnected)
	}

	if err := s.connRepo.WipeTokens(connectionID); err != nil {
		return err
	}
	if err := s.connRepo.UpdateState(connectionID, models.StateDisconnected, ""); err != nil {
		return err
	}

	s.adapters.Invalidate(connectionID)
	s.notifyState(connectionID, models.StateDisconnected, "")

	log.Printf("[auth] connection %d: disconnected", connectionID)
	return nil
}

// Delete удаляет подключение. История ордеров сохраняется
func (s *AuthService) Delete(ctx context.Context, connectionID int) error {
	s.adapters.Invalidate(connectionID)
	if err := s.connRepo.Delete(connectionID); err != nil {
		return err
	}
	log.Printf("[auth] connection %d: deleted", connectionID)
	return nil
}

// MarkExpired переводит подключение в EXPIRED
// Вызывается при отклонении сессии брокером (из order service и reconciler)
func (s *AuthService) MarkExpired(connectionID int, detail string) error {
	conn, err := s.connRepo.GetByID(connectionID)
	if err != nil {
		return err
	}
	if conn.State == models.StateExpired {
		return nil // уже помечено
	}
	if !CanTransition(conn.State, models.StateExpired) {
		return nil // DISCONNECTED и прочие - не трогаем
	}

	if err := s.connRepo.UpdateState(connectionID, models.StateExpired, detail); err != nil {
		return err
	}

	s.adapters.Invalidate(connectionID)
	s.notifyState(connectionID, models.StateExpired, detail)

	log.Printf("[auth] connection %d: marked expired: %s", connectionID, detail)
	return nil
}

// handleAdapterError обрабатывает ошибки создания адаптера
// Нечитаемые креды - особый случай: сессия стирается, подключение
// помечается требующим повторного ввода кредов
func (s *AuthService) handleAdapterError(conn *models.BrokerConnection, err error) error {
	if errors.Is(err, ErrCredentialsUnreadable) {
		log.Printf("[auth] connection %d: credentials unreadable, wiping session", conn.ID)
		if wipeErr := s.connRepo.WipeTokens(conn.ID); wipeErr != nil {
			log.Printf("[auth] connection %d: wipe failed: %v", conn.ID, wipeErr)
		}
		if stateErr := s.connRepo.UpdateState(conn.ID, models.StateExpired, models.DetailNeedsCredentialReentry); stateErr == nil {
			s.notifyState(conn.ID, models.StateExpired, models.DetailNeedsCredentialReentry)
		}
	}
	return err
}

// decryptedCredentials собирает расшифрованные креды подключения
func (s *AuthService) decryptedCredentials(conn *models.BrokerConnection) (*broker.Credentials, error) {
	creds := &broker.Credentials{}
	var err error

	if creds.APIKey, err = s.cipher.DecryptSecret(conn.APIKey); err != nil {
		return nil, err
	}
	if creds.APISecret, err = s.cipher.DecryptSecret(conn.APISecret); err != nil {
		return nil, err
	}
	if creds.ClientCode, err = s.cipher.DecryptSecret(conn.ClientCode); err != nil {
		return nil, err
	}
	if creds.Password, err = s.cipher.DecryptSecret(conn.Password); err != nil {
		return nil, err
	}
	if creds.PIN, err = s.cipher.DecryptSecret(conn.PIN); err != nil {
		return nil, err
	}
	if creds.AccessToken, err = s.cipher.DecryptSecret(conn.AccessToken); err != nil {
		return nil, err
	}
	if creds.RefreshToken, err = s.cipher.DecryptSecret(conn.RefreshToken); err != nil {
		return nil, err
	}

	if conn.BrokerConfig != "" {
		var cfg struct {
			ServerURL   string `json:"server_url"`
			VendorCode  string `json:"vendor_code"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := json.Unmarshal([]byte(conn.BrokerConfig), &cfg); err != nil {
			return nil, err
		}
		creds.ServerURL = cfg.ServerURL
		creds.VendorCode = cfg.VendorCode
		creds.RedirectURI = cfg.RedirectURI
	}

	return creds, nil
}

// RunExpirySweep проверяет подключения с истекающим токеном
// Для oauth_refresh пробует тихое продление, остальные помечает EXPIRED.
// Запускается периодически из main
func (s *AuthService) RunExpirySweep(ctx context.Context) {
	conns, err := s.connRepo.GetExpiringBefore(time.Now())
	if err != nil {
		log.Printf("[auth] expiry sweep: query failed: %v", err)
		return
	}

	for _, conn := range conns {
		kind, _ := broker.KindOf(conn.Broker)
		if kind == broker.KindOAuthRefresh && conn.RefreshToken != "" {
			if err := s.Refresh(ctx, conn.ID); err == nil {
				continue
			}
			// Refresh сам помечает EXPIRED при отказе брокера
			continue
		}

		if err := s.MarkExpired(conn.ID, "session expired"); err != nil {
			log.Printf("[auth] expiry sweep: connection %d: %v", conn.ID, err)
		}
	}
}

func (s *AuthService) notifyState(connectionID int, state, detail string) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastConnectionUpdate(connectionID, state, detail)
	}
}
