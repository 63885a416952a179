package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"tradelink/pkg/crypto"
	"tradelink/pkg/ratelimit"
)

const (
	zerodhaBaseURL  = "https://api.kite.trade"
	zerodhaLoginURL = "https://kite.zerodha.com/connect/login"
)

// Zerodha реализует интерфейс Broker для Kite Connect (семейство OAuth)
//
// Сессия получается обменом request_token на access token с SHA-256 checksum.
// Refresh-пути нет: токен живёт до фиксированного cutover следующего дня,
// после чего требуется полный redirect re-auth
type Zerodha struct {
	baseURL   string
	apiKey    string
	apiSecret string

	mu          sync.RWMutex
	accessToken string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewZerodha создает новый адаптер
// Kite Connect допускает 10 req/sec на приложение
func NewZerodha() *Zerodha {
	return &Zerodha{
		baseURL:    zerodhaBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 15),
	}
}

func (z *Zerodha) GetName() string {
	return "zerodha"
}

func (z *Zerodha) Connect(creds *Credentials) error {
	if creds == nil || creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("zerodha: api_key and api_secret are required")
	}
	z.apiKey = creds.APIKey
	z.apiSecret = creds.APISecret

	z.mu.Lock()
	z.accessToken = creds.AccessToken
	z.mu.Unlock()
	return nil
}

// Authenticate: у Kite нет неинтерактивного логина
func (z *Zerodha) Authenticate(ctx context.Context) (*Session, error) {
	return nil, ErrInteractiveAuthRequired
}

// LoginURL возвращает URL для redirect пользователя
// state прокидывается через redirect_params и возвращается в callback
func (z *Zerodha) LoginURL(state string) string {
	return fmt.Sprintf("%s?v=3&api_key=%s&redirect_params=%s",
		zerodhaLoginURL, z.apiKey, url.QueryEscape("state="+state))
}

// ExchangeToken обменивает request_token на access token
// checksum = SHA256(api_key + request_token + api_secret)
func (z *Zerodha) ExchangeToken(ctx context.Context, requestToken string) (*Session, error) {
	form := url.Values{}
	form.Set("api_key", z.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", crypto.SessionChecksum(z.apiKey, requestToken, z.apiSecret))

	body, err := z.doRequest(ctx, http.MethodPost, "/session/token", form, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.AccessToken == "" {
		return nil, &BrokerError{Broker: "zerodha", Message: "empty access_token in session response"}
	}

	z.mu.Lock()
	z.accessToken = resp.Data.AccessToken
	z.mu.Unlock()

	// ExpiresIn = 0: срок жизни считает оркестратор (cutover следующего дня)
	return &Session{AccessToken: resp.Data.AccessToken}, nil
}

// doRequest выполняет запрос к Kite API (form-encoded, X-Kite-Version 3)
func (z *Zerodha) doRequest(ctx context.Context, method, endpoint string, form url.Values, authed bool) ([]byte, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqURL string
	var reqBody io.Reader
	if method == http.MethodGet {
		reqURL = z.baseURL + endpoint
		if len(form) > 0 {
			reqURL += "?" + form.Encode()
		}
	} else {
		reqURL = z.baseURL + endpoint
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Kite-Version", "3")
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if authed {
		z.mu.RLock()
		token := z.accessToken
		z.mu.RUnlock()
		if token == "" {
			return nil, ErrAuthExpired
		}
		req.Header.Set("Authorization", "token "+z.apiKey+":"+token)
	}

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &BrokerError{Broker: "zerodha", Message: "malformed response", Original: err}
	}

	if baseResp.Status == "error" {
		// TokenException / 403 = сессия отклонена брокером
		if baseResp.ErrorType == "TokenException" || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, baseResp.Message)
		}
		return nil, &BrokerError{
			Broker:  "zerodha",
			Code:    baseResp.ErrorType,
			Message: baseResp.Message,
		}
	}

	return body, nil
}

func (z *Zerodha) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error) {
	product, err := WireProduct(KindOAuth, req.Product)
	if err != nil {
		return nil, err
	}
	orderType, err := WireOrderType(KindOAuth, req.OrderType)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", req.Exchange)
	form.Set("transaction_type", req.Side)
	form.Set("order_type", orderType)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("product", product)
	form.Set("validity", req.Validity)
	if req.Price > 0 {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}
	if NeedsTriggerPrice(req.OrderType) {
		form.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64))
	}

	body, err := z.doRequest(ctx, http.MethodPost, "/orders/regular", form, true)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		var brokerErr *BrokerError
		if asBrokerError(err, &brokerErr) {
			return nil, &OrderRejectedError{Broker: "zerodha", Reason: brokerErr.Message}
		}
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	// Kite возвращает только order id; начальный статус добираем отдельным GET
	placed := &PlacedOrder{BrokerOrderID: resp.Data.OrderID, Status: "PENDING"}
	if update, err := z.GetOrderStatus(ctx, resp.Data.OrderID); err == nil {
		placed.Status = update.Status
	}

	return placed, nil
}

func (z *Zerodha) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	body, err := z.doRequest(ctx, http.MethodGet, "/orders/"+brokerOrderID, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []kiteOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &BrokerError{Broker: "zerodha", Message: "order not found: " + brokerOrderID}
	}

	// Kite возвращает историю состояний; последняя запись - текущее состояние
	return kiteOrderToUpdate(&resp.Data[len(resp.Data)-1]), nil
}

func (z *Zerodha) GetOrders(ctx context.Context) ([]*OrderUpdate, error) {
	body, err := z.doRequest(ctx, http.MethodGet, "/orders", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []kiteOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	updates := make([]*OrderUpdate, 0, len(resp.Data))
	for i := range resp.Data {
		updates = append(updates, kiteOrderToUpdate(&resp.Data[i]))
	}
	return updates, nil
}

// kiteOrder - запись ордера в ответах Kite
type kiteOrder struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	FilledQuantity int     `json:"filled_quantity"`
	AveragePrice   float64 `json:"average_price"`
	StatusMessage  string  `json:"status_message"`
}

func kiteOrderToUpdate(o *kiteOrder) *OrderUpdate {
	return &OrderUpdate{
		BrokerOrderID: o.OrderID,
		Status:        MapStatus(KindOAuth, o.Status),
		RawStatus:     o.Status,
		FilledQty:     o.FilledQuantity,
		AvgPrice:      o.AveragePrice,
		Message:       o.StatusMessage,
	}
}

func (z *Zerodha) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := z.doRequest(ctx, http.MethodGet, "/portfolio/positions", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Net []struct {
				Tradingsymbol string  `json:"tradingsymbol"`
				Exchange      string  `json:"exchange"`
				Product       string  `json:"product"`
				Quantity      int     `json:"quantity"`
				AveragePrice  float64 `json:"average_price"`
				LastPrice     float64 `json:"last_price"`
				Realised      float64 `json:"realised"`
				Unrealised    float64 `json:"unrealised"`
			} `json:"net"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(resp.Data.Net))
	for _, p := range resp.Data.Net {
		positions = append(positions, &Position{
			Symbol:        p.Tradingsymbol,
			Exchange:      p.Exchange,
			Product:       p.Product,
			NetQty:        p.Quantity,
			AvgPrice:      p.AveragePrice,
			LastPrice:     p.LastPrice,
			RealizedPnl:   p.Realised,
			UnrealizedPnl: p.Unrealised,
		})
	}
	return positions, nil
}

func (z *Zerodha) GetHoldings(ctx context.Context) ([]*Holding, error) {
	body, err := z.doRequest(ctx, http.MethodGet, "/portfolio/holdings", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      int     `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			Pnl           float64 `json:"pnl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	holdings := make([]*Holding, 0, len(resp.Data))
	for _, h := range resp.Data {
		holdings = append(holdings, &Holding{
			Symbol:    h.Tradingsymbol,
			Exchange:  h.Exchange,
			Quantity:  h.Quantity,
			AvgPrice:  h.AveragePrice,
			LastPrice: h.LastPrice,
			Pnl:       h.Pnl,
		})
	}
	return holdings, nil
}

func (z *Zerodha) TestConnection(ctx context.Context) error {
	_, err := z.doRequest(ctx, http.MethodGet, "/user/profile", nil, true)
	return err
}

func (z *Zerodha) InvalidateSession() {
	z.mu.Lock()
	z.accessToken = ""
	z.mu.Unlock()
}
