package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"tradelink/pkg/ratelimit"
)

const (
	upstoxBaseURL   = "https://api.upstox.com/v2"
	upstoxDialogURL = "https://api.upstox.com/v2/login/authorization/dialog"
)

// Upstox реализует интерфейс Broker (семейство OAuth с refresh)
//
// Сессия получается обменом authorization code; в отличие от zerodha
// поддерживается неинтерактивное продление по refresh token
type Upstox struct {
	baseURL     string
	apiKey      string // client_id
	apiSecret   string // client_secret
	redirectURI string

	mu          sync.RWMutex
	accessToken string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewUpstox создает новый адаптер (лимит API: 25 req/sec)
func NewUpstox() *Upstox {
	return &Upstox{
		baseURL:    upstoxBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(25, 40),
	}
}

func (u *Upstox) GetName() string {
	return "upstox"
}

func (u *Upstox) Connect(creds *Credentials) error {
	if creds == nil || creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("upstox: api_key and api_secret are required")
	}
	u.apiKey = creds.APIKey
	u.apiSecret = creds.APISecret
	u.redirectURI = creds.RedirectURI

	u.mu.Lock()
	u.accessToken = creds.AccessToken
	u.mu.Unlock()
	return nil
}

func (u *Upstox) Authenticate(ctx context.Context) (*Session, error) {
	return nil, ErrInteractiveAuthRequired
}

func (u *Upstox) LoginURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", u.apiKey)
	q.Set("redirect_uri", u.redirectURI)
	q.Set("state", state)
	return upstoxDialogURL + "?" + q.Encode()
}

// ExchangeToken обменивает authorization code на bearer token
func (u *Upstox) ExchangeToken(ctx context.Context, code string) (*Session, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", u.apiKey)
	form.Set("client_secret", u.apiSecret)
	form.Set("redirect_uri", u.redirectURI)
	form.Set("grant_type", "authorization_code")

	return u.tokenRequest(ctx, form)
}

// RefreshSession продлевает сессию без участия пользователя
func (u *Upstox) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", u.apiKey)
	form.Set("client_secret", u.apiSecret)
	form.Set("grant_type", "refresh_token")

	return u.tokenRequest(ctx, form)
}

func (u *Upstox) tokenRequest(ctx context.Context, form url.Values) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/login/authorization/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &BrokerError{Broker: "upstox", Message: "malformed token response", Original: err}
	}
	if tokenResp.AccessToken == "" {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: token exchange failed", ErrAuthExpired)
		}
		return nil, &BrokerError{Broker: "upstox", Message: "empty access_token in response"}
	}

	u.mu.Lock()
	u.accessToken = tokenResp.AccessToken
	u.mu.Unlock()

	return &Session{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

// doRequest выполняет JSON-запрос с bearer-авторизацией
func (u *Upstox) doRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	u.mu.RLock()
	token := u.accessToken
	u.mu.RUnlock()
	if token == "" {
		return nil, ErrAuthExpired
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		Status string `json:"status"`
		Errors []struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &BrokerError{Broker: "upstox", Message: "malformed response", Original: err}
	}

	if baseResp.Status == "error" || resp.StatusCode >= 400 {
		msg := "unknown error"
		code := ""
		if len(baseResp.Errors) > 0 {
			msg = baseResp.Errors[0].Message
			code = baseResp.Errors[0].ErrorCode
		}
		// UDAPI100050 = invalid token
		if resp.StatusCode == http.StatusUnauthorized || code == "UDAPI100050" {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, msg)
		}
		return nil, &BrokerError{Broker: "upstox", Code: code, Message: msg}
	}

	return body, nil
}

func (u *Upstox) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error) {
	product, err := WireProduct(KindOAuthRefresh, req.Product)
	if err != nil {
		return nil, err
	}
	orderType, err := WireOrderType(KindOAuthRefresh, req.OrderType)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"instrument_token":   req.Token, // брокеру нужен opaque instrument id, не символ
		"transaction_type":   req.Side,
		"quantity":           req.Quantity,
		"order_type":         orderType,
		"product":            product,
		"validity":           req.Validity,
		"price":              req.Price,
		"disclosed_quantity": 0,
		"is_amo":             false,
	}
	if NeedsTriggerPrice(req.OrderType) {
		payload["trigger_price"] = req.TriggerPrice
	}

	body, err := u.doRequest(ctx, http.MethodPost, "/order/place", payload)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		var brokerErr *BrokerError
		if asBrokerError(err, &brokerErr) {
			return nil, &OrderRejectedError{Broker: "upstox", Reason: brokerErr.Message}
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

	placed := &PlacedOrder{BrokerOrderID: resp.Data.OrderID, Status: "PENDING"}
	if update, err := u.GetOrderStatus(ctx, resp.Data.OrderID); err == nil {
		placed.Status = update.Status
	}
	return placed, nil
}

// upstoxOrder - запись ордера в ответах Upstox
type upstoxOrder struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	FilledQuantity int     `json:"filled_quantity"`
	AveragePrice   float64 `json:"average_price"`
	StatusMessage  string  `json:"status_message"`
}

func upstoxOrderToUpdate(o *upstoxOrder) *OrderUpdate {
	return &OrderUpdate{
		BrokerOrderID: o.OrderID,
		Status:        MapStatus(KindOAuthRefresh, o.Status),
		RawStatus:     o.Status,
		FilledQty:     o.FilledQuantity,
		AvgPrice:      o.AveragePrice,
		Message:       o.StatusMessage,
	}
}

func (u *Upstox) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/order/details?order_id="+url.QueryEscape(brokerOrderID), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data upstoxOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return upstoxOrderToUpdate(&resp.Data), nil
}

func (u *Upstox) GetOrders(ctx context.Context) ([]*OrderUpdate, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/order/retrieve-all", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []upstoxOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	updates := make([]*OrderUpdate, 0, len(resp.Data))
	for i := range resp.Data {
		updates = append(updates, upstoxOrderToUpdate(&resp.Data[i]))
	}
	return updates, nil
}

func (u *Upstox) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/portfolio/short-term-positions", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Product       string  `json:"product"`
			Quantity      int     `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			Realised      float64 `json:"realised"`
			Unrealised    float64 `json:"unrealised"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(resp.Data))
	for _, p := range resp.Data {
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

func (u *Upstox) GetHoldings(ctx context.Context) ([]*Holding, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/portfolio/long-term-holdings", nil)
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

func (u *Upstox) TestConnection(ctx context.Context) error {
	_, err := u.doRequest(ctx, http.MethodGet, "/user/profile", nil)
	return err
}

func (u *Upstox) InvalidateSession() {
	u.mu.Lock()
	u.accessToken = ""
	u.mu.Unlock()
}
