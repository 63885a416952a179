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

// XTS реализует интерфейс Broker для XTS-шлюзов (семейство gateway)
//
// Один и тот же протокол у нескольких брокеров (iifl, jainam), различается
// только базовый URL - он приходит в кредах (server_url из broker_config),
// а не зашит константой. Имя брокера задаётся при создании
type XTS struct {
	name      string
	serverURL string
	appKey    string
	secretKey string

	mu       sync.RWMutex
	token    string
	clientID string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewXTS создает новый адаптер шлюза для указанного брокера
func NewXTS(name string) *XTS {
	return &XTS{
		name:       name,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(10, 15),
	}
}

func (x *XTS) GetName() string {
	return x.name
}

func (x *XTS) Connect(creds *Credentials) error {
	if creds == nil || creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("%s: api_key and api_secret are required", x.name)
	}
	if creds.ServerURL == "" {
		return fmt.Errorf("%s: server_url is required for gateway brokers", x.name)
	}
	x.appKey = creds.APIKey
	x.secretKey = creds.APISecret
	x.serverURL = strings.TrimRight(creds.ServerURL, "/")

	x.mu.Lock()
	x.token = creds.AccessToken
	x.mu.Unlock()
	return nil
}

// Authenticate выполняет неинтерактивный логин по appKey/secretKey
func (x *XTS) Authenticate(ctx context.Context) (*Session, error) {
	payload := map[string]string{
		"appKey":    x.appKey,
		"secretKey": x.secretKey,
		"source":    "WebAPI",
	}

	body, err := x.doRequest(ctx, http.MethodPost, "/interactive/user/session", payload, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Token    string `json:"token"`
			UserID   string `json:"userID"`
			ClientID string `json:"clientCodes"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Result.Token == "" {
		return nil, &BrokerError{Broker: x.name, Message: "empty token in session response"}
	}

	x.mu.Lock()
	x.token = resp.Result.Token
	x.clientID = resp.Result.UserID
	x.mu.Unlock()

	// XTS не сообщает срок жизни токена, оркестратор ставит дефолт
	return &Session{AccessToken: resp.Result.Token}, nil
}

// exchangeSegment: каноническая биржа → сегмент XTS
var xtsSegments = map[string]string{
	"NSE": "NSECM",
	"BSE": "BSECM",
	"NFO": "NSEFO",
	"MCX": "MCXFO",
}

// doRequest выполняет JSON-запрос; токен уходит сырым в Authorization
func (x *XTS) doRequest(ctx context.Context, method, endpoint string, payload interface{}, authed ...bool) ([]byte, error) {
	if err := x.limiter.Wait(ctx); err != nil {
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

	req, err := http.NewRequestWithContext(ctx, method, x.serverURL+endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	needsAuth := len(authed) == 0 || authed[0]
	if needsAuth {
		x.mu.RLock()
		token := x.token
		x.mu.RUnlock()
		if token == "" {
			return nil, ErrAuthExpired
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &BrokerError{Broker: x.name, Message: "malformed response", Original: err}
	}

	if baseResp.Type == "error" || resp.StatusCode >= 400 {
		// e-session-0002 = invalid token
		if resp.StatusCode == http.StatusUnauthorized ||
			strings.HasPrefix(baseResp.Code, "e-session") {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, baseResp.Description)
		}
		return nil, &BrokerError{
			Broker:  x.name,
			Code:    baseResp.Code,
			Message: baseResp.Description,
		}
	}

	return body, nil
}

func (x *XTS) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error) {
	product, err := WireProduct(KindGateway, req.Product)
	if err != nil {
		return nil, err
	}
	orderType, err := WireOrderType(KindGateway, req.OrderType)
	if err != nil {
		return nil, err
	}

	segment, ok := xtsSegments[req.Exchange]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported exchange %q", x.name, req.Exchange)
	}

	payload := map[string]interface{}{
		"exchangeSegment":       segment,
		"exchangeInstrumentID":  req.Token,
		"productType":           product,
		"orderType":             orderType,
		"orderSide":             req.Side,
		"timeInForce":           req.Validity,
		"disclosedQuantity":     0,
		"orderQuantity":         req.Quantity,
		"limitPrice":            req.Price,
		"stopPrice":             0.0,
		"orderUniqueIdentifier": "tradelink",
	}
	if NeedsTriggerPrice(req.OrderType) {
		payload["stopPrice"] = req.TriggerPrice
	}

	body, err := x.doRequest(ctx, http.MethodPost, "/interactive/orders", payload)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		var brokerErr *BrokerError
		if asBrokerError(err, &brokerErr) {
			return nil, &OrderRejectedError{Broker: x.name, Reason: brokerErr.Message}
		}
		return nil, err
	}

	var resp struct {
		Result struct {
			AppOrderID int64 `json:"AppOrderID"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	brokerOrderID := fmt.Sprintf("%d", resp.Result.AppOrderID)
	placed := &PlacedOrder{BrokerOrderID: brokerOrderID, Status: "PENDING"}
	if update, err := x.GetOrderStatus(ctx, brokerOrderID); err == nil {
		placed.Status = update.Status
	}
	return placed, nil
}

// xtsOrder - запись ордера в ответах XTS
type xtsOrder struct {
	AppOrderID              int64  `json:"AppOrderID"`
	OrderStatus             string `json:"OrderStatus"`
	CumulativeQuantity      int    `json:"CumulativeQuantity"`
	OrderAverageTradedPrice string `json:"OrderAverageTradedPrice"`
	CancelRejectReason      string `json:"CancelRejectReason"`
}

func xtsOrderToUpdate(o *xtsOrder) *OrderUpdate {
	return &OrderUpdate{
		BrokerOrderID: fmt.Sprintf("%d", o.AppOrderID),
		Status:        MapStatus(KindGateway, o.OrderStatus),
		RawStatus:     o.OrderStatus,
		FilledQty:     o.CumulativeQuantity,
		AvgPrice:      atofLoose(o.OrderAverageTradedPrice),
		Message:       o.CancelRejectReason,
	}
}

// GetOrderStatus: XTS возвращает историю состояний ордера, берём последнюю
func (x *XTS) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderUpdate, error) {
	body, err := x.doRequest(ctx, http.MethodGet,
		"/interactive/orders?appOrderID="+url.QueryEscape(brokerOrderID), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []xtsOrder `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, &BrokerError{Broker: x.name, Message: "order not found: " + brokerOrderID}
	}
	return xtsOrderToUpdate(&resp.Result[len(resp.Result)-1]), nil
}

func (x *XTS) GetOrders(ctx context.Context) ([]*OrderUpdate, error) {
	body, err := x.doRequest(ctx, http.MethodGet, "/interactive/orders", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []xtsOrder `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	updates := make([]*OrderUpdate, 0, len(resp.Result))
	for i := range resp.Result {
		updates = append(updates, xtsOrderToUpdate(&resp.Result[i]))
	}
	return updates, nil
}

func (x *XTS) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := x.doRequest(ctx, http.MethodGet, "/interactive/portfolio/positions?dayOrNet=NetWise", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			PositionList []struct {
				TradingSymbol   string `json:"TradingSymbol"`
				ExchangeSegment string `json:"ExchangeSegment"`
				ProductType     string `json:"ProductType"`
				Quantity        string `json:"Quantity"`
				BuyAveragePrice string `json:"BuyAveragePrice"`
				RealizedMTM     string `json:"RealizedMTM"`
				UnrealizedMTM   string `json:"UnrealizedMTM"`
			} `json:"positionList"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(resp.Result.PositionList))
	for _, p := range resp.Result.PositionList {
		positions = append(positions, &Position{
			Symbol:        p.TradingSymbol,
			Exchange:      p.ExchangeSegment,
			Product:       p.ProductType,
			NetQty:        atoiLoose(p.Quantity),
			AvgPrice:      atofLoose(p.BuyAveragePrice),
			RealizedPnl:   atofLoose(p.RealizedMTM),
			UnrealizedPnl: atofLoose(p.UnrealizedMTM),
		})
	}
	return positions, nil
}

func (x *XTS) GetHoldings(ctx context.Context) ([]*Holding, error) {
	body, err := x.doRequest(ctx, http.MethodGet, "/interactive/portfolio/holdings", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			RMSHoldings struct {
				Holdings map[string]struct {
					HoldingQuantity int     `json:"HoldingQuantity"`
					BuyAvgPrice     float64 `json:"BuyAvgPrice"`
				} `json:"Holdings"`
			} `json:"RMSHoldings"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	holdings := make([]*Holding, 0, len(resp.Result.RMSHoldings.Holdings))
	for isin, h := range resp.Result.RMSHoldings.Holdings {
		holdings = append(holdings, &Holding{
			Symbol:   isin, // XTS отдаёт холдинги по ISIN, не по символу
			Quantity: h.HoldingQuantity,
			AvgPrice: h.BuyAvgPrice,
		})
	}
	return holdings, nil
}

func (x *XTS) TestConnection(ctx context.Context) error {
	_, err := x.doRequest(ctx, http.MethodGet, "/interactive/user/balance", nil)
	return err
}

func (x *XTS) InvalidateSession() {
	x.mu.Lock()
	x.token = ""
	x.mu.Unlock()
}
