package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"tradelink/pkg/crypto"
	"tradelink/pkg/ratelimit"
)

const shoonyaBaseURL = "https://api.shoonya.com/NorenWClientTP"

// Shoonya реализует интерфейс Broker для Noren (семейство hashed)
//
// Протокол не похож на остальные: каждый вызов - POST с телом
// "jData=<json>&jKey=<session token>". Пароль уходит в логин уже
// захэшированным SHA-256, вместе с хэшем uid|app_secret
type Shoonya struct {
	baseURL    string
	userID     string
	apiSecret  string
	password   string
	totp       string
	vendorCode string

	mu           sync.RWMutex
	sessionToken string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewShoonya создает новый адаптер (лимит Noren: 20 req/sec)
func NewShoonya() *Shoonya {
	return &Shoonya{
		baseURL:    shoonyaBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(20, 30),
	}
}

func (s *Shoonya) GetName() string {
	return "shoonya"
}

func (s *Shoonya) Connect(creds *Credentials) error {
	if creds == nil || creds.ClientCode == "" || creds.APISecret == "" {
		return fmt.Errorf("shoonya: client_code and api_secret are required")
	}
	s.userID = creds.ClientCode
	s.apiSecret = creds.APISecret
	s.password = creds.Password
	s.totp = creds.TOTP
	s.vendorCode = creds.VendorCode
	if s.vendorCode == "" {
		// vendor code по умолчанию совпадает с uid с суффиксом _U
		s.vendorCode = creds.ClientCode + "_U"
	}

	s.mu.Lock()
	s.sessionToken = creds.AccessToken
	s.mu.Unlock()
	return nil
}

// Authenticate выполняет QuickAuth
// pwd и appkey передаются SHA-256 хэшами, сырой пароль по сети не уходит
func (s *Shoonya) Authenticate(ctx context.Context) (*Session, error) {
	if s.password == "" || s.totp == "" {
		return nil, fmt.Errorf("shoonya: password and totp are required for login")
	}

	payload := map[string]string{
		"uid":        s.userID,
		"pwd":        crypto.SHA256Hex(s.password),
		"factor2":    s.totp,
		"vc":         s.vendorCode,
		"appkey":     crypto.AppKeyProof(s.userID, s.apiSecret),
		"imei":       "api",
		"apkversion": "1.0.0",
		"source":     "API",
	}

	body, err := s.doRequest(ctx, "/QuickAuth", payload, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Susertoken string `json:"susertoken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Susertoken == "" {
		return nil, &BrokerError{Broker: "shoonya", Message: "empty susertoken in login response"}
	}

	s.mu.Lock()
	s.sessionToken = resp.Susertoken
	s.mu.Unlock()

	// ExpiresIn = 0: Noren не сообщает срок жизни, оркестратор ставит дефолт
	return &Session{AccessToken: resp.Susertoken}, nil
}

// doRequest выполняет POST в формате jData/jKey
func (s *Shoonya) doRequest(ctx context.Context, endpoint string, payload interface{}, authed bool) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	reqBody := "jData=" + string(jsonBytes)
	if authed {
		s.mu.RLock()
		token := s.sessionToken
		s.mu.RUnlock()
		if token == "" {
			return nil, ErrAuthExpired
		}
		reqBody += "&jKey=" + token
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+endpoint, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Ответы-массивы (ордербук, позиции) не имеют поля stat на верхнем уровне
	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		return body, nil
	}

	var baseResp struct {
		Stat string `json:"stat"`
		Emsg string `json:"emsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &BrokerError{Broker: "shoonya", Message: "malformed response", Original: err}
	}

	if baseResp.Stat == "Not_Ok" {
		if strings.Contains(baseResp.Emsg, "Session Expired") ||
			strings.Contains(baseResp.Emsg, "Invalid Session") {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, baseResp.Emsg)
		}
		return nil, &BrokerError{Broker: "shoonya", Message: baseResp.Emsg}
	}

	return body, nil
}

func (s *Shoonya) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error) {
	product, err := WireProduct(KindHashed, req.Product)
	if err != nil {
		return nil, err
	}
	orderType, err := WireOrderType(KindHashed, req.OrderType)
	if err != nil {
		return nil, err
	}

	side := "B"
	if req.Side == "SELL" {
		side = "S"
	}

	payload := map[string]string{
		"uid":         s.userID,
		"actid":       s.userID,
		"exch":        req.Exchange,
		"tsym":        req.Symbol,
		"qty":         strconv.Itoa(req.Quantity),
		"prc":         strconv.FormatFloat(req.Price, 'f', 2, 64),
		"prd":         product,
		"trantype":    side,
		"prctyp":      orderType,
		"ret":         req.Validity,
		"ordersource": "API",
	}
	if NeedsTriggerPrice(req.OrderType) {
		payload["trgprc"] = strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64)
	}

	body, err := s.doRequest(ctx, "/PlaceOrder", payload, true)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		var brokerErr *BrokerError
		if asBrokerError(err, &brokerErr) {
			return nil, &OrderRejectedError{Broker: "shoonya", Reason: brokerErr.Message}
		}
		return nil, err
	}

	var resp struct {
		Norenordno string `json:"norenordno"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	placed := &PlacedOrder{BrokerOrderID: resp.Norenordno, Status: "PENDING"}
	if update, err := s.GetOrderStatus(ctx, resp.Norenordno); err == nil {
		placed.Status = update.Status
	}
	return placed, nil
}

// norenOrder - запись ордера в ответах Noren
type norenOrder struct {
	Norenordno string `json:"norenordno"`
	Status     string `json:"status"`
	Fillshares string `json:"fillshares"`
	Avgprc     string `json:"avgprc"`
	Rejreason  string `json:"rejreason"`
}

func norenOrderToUpdate(o *norenOrder) *OrderUpdate {
	return &OrderUpdate{
		BrokerOrderID: o.Norenordno,
		Status:        MapStatus(KindHashed, o.Status),
		RawStatus:     o.Status,
		FilledQty:     atoiLoose(o.Fillshares),
		AvgPrice:      atofLoose(o.Avgprc),
		Message:       o.Rejreason,
	}
}

func (s *Shoonya) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	payload := map[string]string{
		"uid":        s.userID,
		"norenordno": brokerOrderID,
	}

	body, err := s.doRequest(ctx, "/SingleOrdStatus", payload, true)
	if err != nil {
		return nil, err
	}

	var o norenOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, err
	}
	return norenOrderToUpdate(&o), nil
}

func (s *Shoonya) GetOrders(ctx context.Context) ([]*OrderUpdate, error) {
	body, err := s.doRequest(ctx, "/OrderBook", map[string]string{"uid": s.userID}, true)
	if err != nil {
		return nil, err
	}

	var orders []norenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, err
	}

	updates := make([]*OrderUpdate, 0, len(orders))
	for i := range orders {
		updates = append(updates, norenOrderToUpdate(&orders[i]))
	}
	return updates, nil
}

func (s *Shoonya) GetPositions(ctx context.Context) ([]*Position, error) {
	payload := map[string]string{"uid": s.userID, "actid": s.userID}
	body, err := s.doRequest(ctx, "/PositionBook", payload, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Tsym      string `json:"tsym"`
		Exch      string `json:"exch"`
		Prd       string `json:"prd"`
		Netqty    string `json:"netqty"`
		Netavgprc string `json:"netavgprc"`
		Lp        string `json:"lp"`
		Rpnl      string `json:"rpnl"`
		Urmtom    string `json:"urmtom"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, &Position{
			Symbol:        p.Tsym,
			Exchange:      p.Exch,
			Product:       p.Prd,
			NetQty:        atoiLoose(p.Netqty),
			AvgPrice:      atofLoose(p.Netavgprc),
			LastPrice:     atofLoose(p.Lp),
			RealizedPnl:   atofLoose(p.Rpnl),
			UnrealizedPnl: atofLoose(p.Urmtom),
		})
	}
	return positions, nil
}

func (s *Shoonya) GetHoldings(ctx context.Context) ([]*Holding, error) {
	payload := map[string]string{"uid": s.userID, "actid": s.userID, "prd": "C"}
	body, err := s.doRequest(ctx, "/Holdings", payload, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ExchTsym []struct {
			Tsym string `json:"tsym"`
			Exch string `json:"exch"`
		} `json:"exch_tsym"`
		Holdqty string `json:"holdqty"`
		Upldprc string `json:"upldprc"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	holdings := make([]*Holding, 0, len(raw))
	for _, h := range raw {
		if len(h.ExchTsym) == 0 {
			continue
		}
		holdings = append(holdings, &Holding{
			Symbol:   h.ExchTsym[0].Tsym,
			Exchange: h.ExchTsym[0].Exch,
			Quantity: atoiLoose(h.Holdqty),
			AvgPrice: atofLoose(h.Upldprc),
		})
	}
	return holdings, nil
}

// TestConnection: /Limits - самый дешёвый аутентифицированный вызов Noren
func (s *Shoonya) TestConnection(ctx context.Context) error {
	payload := map[string]string{"uid": s.userID, "actid": s.userID}
	_, err := s.doRequest(ctx, "/Limits", payload, true)
	return err
}

func (s *Shoonya) InvalidateSession() {
	s.mu.Lock()
	s.sessionToken = ""
	s.mu.Unlock()
}
