package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds broker connection settings and credentials.
type Config struct {
	BaseURL     string        `json:"base_url"`
	QuoteWSURL  string        `json:"quote_ws_url"`
	AppKey      string        `json:"app_key"`
	AppSecret   string        `json:"app_secret"`
	AccessToken string        `json:"access_token"`
	Timeout     time.Duration `json:"timeout"`

	// Separate limiters: the gateway throttles quote and trade calls
	// independently.
	QuoteRPS   float64 `json:"quote_rps"`
	QuoteBurst int     `json:"quote_burst"`
	TradeRPS   float64 `json:"trade_rps"`
	TradeBurst int     `json:"trade_burst"`
}

// DefaultConfig returns connection settings for the production gateway.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://openapi.longportapp.com",
		QuoteWSURL: "wss://openapi-quote.longportapp.com/v2",
		Timeout:    10 * time.Second,
		QuoteRPS:   8,
		QuoteBurst: 8,
		TradeRPS:   5,
		TradeBurst: 5,
	}
}

// Client is the REST OpenAPI client. All requests are HMAC-SHA256 signed and
// pass through per-surface rate limiters before leaving the process.
type Client struct {
	http       *resty.Client
	cfg        Config
	quoteLimit *rate.Limiter
	tradeLimit *rate.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient builds a REST client. GET requests are retried on gateway 5xx;
// order mutations are never auto-retried.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteRPS <= 0 {
		cfg.QuoteRPS = 8
	}
	if cfg.QuoteBurst <= 0 {
		cfg.QuoteBurst = 8
	}
	if cfg.TradeRPS <= 0 {
		cfg.TradeRPS = 5
	}
	if cfg.TradeBurst <= 0 {
		cfg.TradeBurst = 5
	}

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil {
				return false
			}
			return r.Request.Method == http.MethodGet && r.StatusCode() >= 500
		})

	return &Client{
		http:       httpc,
		cfg:        cfg,
		quoteLimit: rate.NewLimiter(rate.Limit(cfg.QuoteRPS), cfg.QuoteBurst),
		tradeLimit: rate.NewLimiter(rate.Limit(cfg.TradeRPS), cfg.TradeBurst),
		logger:     logger.With().Str("component", "broker").Logger(),
		now:        time.Now,
	}
}

// apiResponse is the gateway envelope: code 0 means success and data holds
// the endpoint payload.
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// sign builds the request signature over method, path, encoded query,
// timestamp and the SHA-256 of the body.
func (c *Client) sign(method, path, query string, body []byte, ts string) string {
	digest := sha256.Sum256(body)
	payload := method + "\n" + path + "\n" + query + "\n" + ts + "\n" + hex.EncodeToString(digest[:])
	mac := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) headers(method, path, query string, body []byte) map[string]string {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	return map[string]string{
		"X-Api-Key":       c.cfg.AppKey,
		"Authorization":   c.cfg.AccessToken,
		"X-Timestamp":     ts,
		"X-Api-Signature": c.sign(method, path, query, body, ts),
		"Content-Type":    "application/json; charset=utf-8",
	}
}

func (c *Client) limiterFor(path string) *rate.Limiter {
	if len(path) >= 9 && path[:9] == "/v1/quote" {
		return c.quoteLimit
	}
	return c.tradeLimit
}

// do executes one signed request and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiterFor(path).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	encodedQuery := ""
	if query != nil {
		encodedQuery = query.Encode()
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.headers(method, path, encodedQuery, bodyBytes))
	if encodedQuery != "" {
		req.SetQueryParamsFromValues(query)
	}
	if bodyBytes != nil {
		req.SetBody(bodyBytes)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env apiResponse
	if len(resp.Body()) > 0 {
		if uerr := json.Unmarshal(resp.Body(), &env); uerr != nil && !resp.IsError() {
			return fmt.Errorf("%s %s: failed to decode response: %w", method, path, uerr)
		}
	}
	if resp.IsError() || env.Code != 0 {
		return &APIError{HTTPStatus: resp.StatusCode(), Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: failed to decode payload: %w", method, path, err)
		}
	}
	return nil
}

// Quotes implements QuoteAPI.
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		q.Add("symbol", s)
	}
	var payload struct {
		SecuQuote []Quote `json:"secu_quote"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/quote", q, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	return payload.SecuQuote, nil
}

// HistoryCandles implements QuoteAPI.
func (c *Client) HistoryCandles(ctx context.Context, symbol string, period Period, adjust AdjustType, start, end time.Time) ([]Candlestick, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", string(period))
	q.Set("adjust_type", string(adjust))
	q.Set("start", start.Format("20060102"))
	q.Set("end", end.Format("20060102"))
	var payload struct {
		Candlesticks []Candlestick `json:"candlesticks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/quote/history/candlesticks", q, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch history candles for %s: %w", symbol, err)
	}
	return payload.Candlesticks, nil
}

// Candlesticks implements QuoteAPI.
func (c *Client) Candlesticks(ctx context.Context, symbol string, period Period, count int) ([]Candlestick, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", string(period))
	q.Set("count", strconv.Itoa(count))
	q.Set("adjust_type", string(AdjustForward))
	var payload struct {
		Candlesticks []Candlestick `json:"candlesticks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/quote/candlesticks", q, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch candlesticks for %s: %w", symbol, err)
	}
	return payload.Candlesticks, nil
}

// StaticInfo implements QuoteAPI.
func (c *Client) StaticInfo(ctx context.Context, symbols []string) ([]SecurityStaticInfo, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, s := range symbols {
		q.Add("symbol", s)
	}
	var payload struct {
		SecuStaticInfo []SecurityStaticInfo `json:"secu_static_info"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/quote/static", q, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch static info: %w", err)
	}
	return payload.SecuStaticInfo, nil
}

// AccountBalances implements TradeAPI.
func (c *Client) AccountBalances(ctx context.Context) ([]AccountBalance, error) {
	var payload struct {
		List []AccountBalance `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/asset/account", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch account balance: %w", err)
	}
	return payload.List, nil
}

// StockPositions implements TradeAPI.
func (c *Client) StockPositions(ctx context.Context) ([]Position, error) {
	var payload struct {
		List []struct {
			StockInfo []Position `json:"stock_info"`
		} `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/asset/stock", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch stock positions: %w", err)
	}
	var out []Position
	for _, channel := range payload.List {
		for _, p := range channel.StockInfo {
			if p.Market == MarketUnknown {
				p.Market = MarketOf(p.Symbol)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// TodayOrders implements TradeAPI.
func (c *Client) TodayOrders(ctx context.Context) ([]Order, error) {
	var payload struct {
		Orders []Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/trade/order/today", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch today orders: %w", err)
	}
	return payload.Orders, nil
}

// TodayExecutions implements TradeAPI.
func (c *Client) TodayExecutions(ctx context.Context) ([]Execution, error) {
	var payload struct {
		Trades []Execution `json:"trades"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/trade/execution/today", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch today executions: %w", err)
	}
	return payload.Trades, nil
}

// SubmitOrder implements TradeAPI. Never retried automatically.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (SubmitOrderResponse, error) {
	body := map[string]string{
		"symbol":             req.Symbol,
		"order_type":         string(req.OrderType),
		"side":               string(req.Side),
		"submitted_quantity": strconv.FormatInt(req.SubmittedQuantity, 10),
		"time_in_force":      string(req.TimeInForce),
	}
	if req.OrderType == OrderTypeLimit {
		body["submitted_price"] = req.SubmittedPrice.String()
	}
	if req.OutsideRTH != "" {
		body["outside_rth"] = req.OutsideRTH
	}
	if req.Remark != "" {
		body["remark"] = req.Remark
	}

	var out SubmitOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/trade/order", nil, body, &out); err != nil {
		return SubmitOrderResponse{}, fmt.Errorf("failed to submit %s %s order for %s: %w",
			req.Side, req.OrderType, req.Symbol, err)
	}
	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.SubmittedQuantity).
		Str("price", req.SubmittedPrice.String()).
		Str("order_id", out.OrderID).
		Msg("order submitted")
	return out, nil
}

// CancelOrder implements TradeAPI.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	q := url.Values{}
	q.Set("order_id", orderID)
	if err := c.do(ctx, http.MethodDelete, "/v1/trade/order", q, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// EstimateMaxPurchaseQuantity implements TradeAPI.
func (c *Client) EstimateMaxPurchaseQuantity(ctx context.Context, req EstimateMaxPurchaseQuantityRequest) (EstimateMaxPurchaseQuantityResponse, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("order_type", string(req.OrderType))
	q.Set("side", string(req.Side))
	if !req.Price.IsZero() {
		q.Set("price", req.Price.String())
	}
	var out EstimateMaxPurchaseQuantityResponse
	if err := c.do(ctx, http.MethodGet, "/v1/trade/estimate/buy_limit", q, nil, &out); err != nil {
		return EstimateMaxPurchaseQuantityResponse{}, fmt.Errorf("failed to estimate max purchase quantity for %s: %w", req.Symbol, err)
	}
	return out, nil
}
