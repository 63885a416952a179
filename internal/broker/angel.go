package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"tradelink/pkg/ratelimit"
)

const angelBaseURL = "https://apiconnect.angelbroking.com"

// Angel реализует интерфейс Broker для SmartAPI (семейство manual)
//
// Логина через redirect нет: сессия получается прямым вызовом loginByPassword
// с клиентским кодом, паролем и текущим TOTP-кодом. TOTP живёт 30 секунд,
// поэтому адаптер никогда не кэширует его - код приходит с каждым логином
type Angel struct {
	baseURL    string
	apiKey     string
	clientCode string
	password   string
	totp       string

	mu       sync.RWMutex
	jwtToken string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewAngel создает новый адаптер (лимит SmartAPI: 10 req/sec)
func NewAngel() *Angel {
	return &Angel{
		baseURL:    angelBaseURL,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 15),
	}
}

func (a *Angel) GetName() string {
	return "angel"
}

func (a *Angel) Connect(creds *Credentials) error {
	if creds == nil || creds.APIKey == "" || creds.ClientCode == "" {
		return fmt.Errorf("angel: api_key and client_code are required")
	}
	a.apiKey = creds.APIKey
	a.clientCode = creds.ClientCode
	a.password = creds.Password
	a.totp = creds.TOTP

	a.mu.Lock()
	a.jwtToken = creds.AccessToken
	a.mu.Unlock()
	return nil
}

// Authenticate выполняет loginByPassword с TOTP
// Вызывается только когда у подключения есть свежий одноразовый код
func (a *Angel) Authenticate(ctx context.Context) (*Session, error) {
	if a.password == "" || a.totp == "" {
		return nil, fmt.Errorf("angel: password and totp are required for login")
	}

	payload := map[string]string{
		"clientcode": a.clientCode,
		"password":   a.password,
		"totp":       a.totp,
	}

	body, err := a.doRequest(ctx, http.MethodPost,
		"/rest/auth/angelbroking/user/v1/loginByPassword", payload, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			JwtToken     string `json:"jwtToken"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.JwtToken == "" {
		return nil, &BrokerError{Broker: "angel", Message: "empty jwtToken in login response"}
	}

	a.mu.Lock()
	a.jwtToken = resp.Data.JwtToken
	a.mu.Unlock()

	// ExpiresIn = 0: SmartAPI не сообщает срок жизни, оркестратор ставит дефолт
	return &Session{AccessToken: resp.Data.JwtToken}, nil
}

// doRequest выполняет JSON-запрос с обязательными SmartAPI-заголовками
func (a *Angel) doRequest(ctx context.Context, method, endpoint string, payload interface{}, authed bool) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
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

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", a.apiKey)

	if authed {
		a.mu.RLock()
		token := a.jwtToken
		a.mu.RUnlock()
		if token == "" {
			return nil, ErrAuthExpired
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		Status    bool   `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &BrokerError{Broker: "angel", Message: "malformed response", Original: err}
	}

	if !baseResp.Status {
		// AG8001 = invalid token, AG8002 = token expired
		if baseResp.ErrorCode == "AG8001" || baseResp.ErrorCode == "AG8002" ||
			resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, baseResp.Message)
		}
		return nil, &BrokerError{
			Broker:  "angel",
			Code:    baseResp.ErrorCode,
			Message: baseResp.Message,
		}
	}

	return body, nil
}

func (a *Angel) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error) {
	product, err := WireProduct(KindManual, req.Product)
	if err != nil {
		return nil, err
	}
	orderType, err := WireOrderType(KindManual, req.OrderType)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.Token,
		"transactiontype": req.Side,
		"exchange":        req.Exchange,
		"ordertype":       orderType,
		"producttype":     product,
		"duration":        req.Validity,
		"quantity":        fmt.Sprintf("%d", req.Quantity),
		"price":           fmt.Sprintf("%.2f", req.Price),
	}
	if NeedsTriggerPrice(req.OrderType) {
		payload["triggerprice"] = fmt.Sprintf("%.2f", req.TriggerPrice)
	}

	body, err := a.doRequest(ctx, http.MethodPost,
		"/rest/secure/angelbroking/order/v1/placeOrder", payload, true)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		var brokerErr *BrokerError
		if asBrokerError(err, &brokerErr) {
			return nil, &OrderRejectedError{Broker: "angel", Reason: brokerErr.Message}
		}
		return nil, err
	}

	var resp struct {
		Data struct {
			OrderID string `json:"orderid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	placed := &PlacedOrder{BrokerOrderID: resp.Data.OrderID, Status: "PENDING"}
	if update, err := a.GetOrderStatus(ctx, resp.Data.OrderID); err == nil {
		placed.Status = update.Status
	}
	return placed, nil
}

// angelOrder - запись ордера в ответах SmartAPI
type angelOrder struct {
	OrderID      string `json:"orderid"`
	Status       string `json:"status"`
	FilledShares string `json:"filledshares"`
	AveragePrice string `json:"averageprice"`
	Text         string `json:"text"`
}

func angelOrderToUpdate(o *angelOrder) *OrderUpdate {
	return &OrderUpdate{
		BrokerOrderID: o.OrderID,
		Status:        MapStatus(KindManual, o.Status),
		RawStatus:     o.Status,
		FilledQty:     atoiLoose(o.FilledShares),
		AvgPrice:      atofLoose(o.AveragePrice),
		Message:       o.Text,
	}
}

// GetOrderStatus: отдельного endpoint'а по id нет, фильтруем ордербук
func (a *Angel) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	orders, err := a.getOrderBook(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].OrderID == brokerOrderID {
			return angelOrderToUpdate(&orders[i]), nil
		}
	}
	return nil, &BrokerError{Broker: "angel", Message: "order not found: " + brokerOrderID}
}

func (a *Angel) getOrderBook(ctx context.Context) ([]angelOrder, error) {
	body, err := a.doRequest(ctx, http.MethodGet,
		"/rest/secure/angelbroking/order/v1/getOrderBook", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []angelOrder `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (a *Angel) GetOrders(ctx context.Context) ([]*OrderUpdate, error) {
	orders, err := a.getOrderBook(ctx)
	if err != nil {
		return nil, err
	}
	updates := make([]*OrderUpdate, 0, len(orders))
	for i := range orders {
		updates = append(updates, angelOrderToUpdate(&orders[i]))
	}
	return updates, nil
}

func (a *Angel) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := a.doRequest(ctx, http.MethodGet,
		"/rest/secure/angelbroking/order/v1/getPosition", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Tradingsymbol string `json:"tradingsymbol"`
			Exchange      string `json:"exchange"`
			ProductType   string `json:"producttype"`
			NetQty        string `json:"netqty"`
			AvgNetPrice   string `json:"avgnetprice"`
			Ltp           string `json:"ltp"`
			Realised      string `json:"realised"`
			Unrealised    string `json:"unrealised"`
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
			Product:       p.ProductType,
			NetQty:        atoiLoose(p.NetQty),
			AvgPrice:      atofLoose(p.AvgNetPrice),
			LastPrice:     atofLoose(p.Ltp),
			RealizedPnl:   atofLoose(p.Realised),
			UnrealizedPnl: atofLoose(p.Unrealised),
		})
	}
	return positions, nil
}

func (a *Angel) GetHoldings(ctx context.Context) ([]*Holding, error) {
	body, err := a.doRequest(ctx, http.MethodGet,
		"/rest/secure/angelbroking/portfolio/v1/getHolding", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      int     `json:"quantity"`
			AveragePrice  float64 `json:"averageprice"`
			Ltp           float64 `json:"ltp"`
			ProfitAndLoss float64 `json:"profitandloss"`
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
			LastPrice: h.Ltp,
			Pnl:       h.ProfitAndLoss,
		})
	}
	return holdings, nil
}

func (a *Angel) TestConnection(ctx context.Context) error {
	_, err := a.doRequest(ctx, http.MethodGet,
		"/rest/secure/angelbroking/user/v1/getProfile", nil, true)
	return err
}

func (a *Angel) InvalidateSession() {
	a.mu.Lock()
	a.jwtToken = ""
	a.mu.Unlock()
}
