package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
)

const (
	DefaultBaseURL         = "https://financialmodelingprep.com/api"
	DefaultTimeout         = 30 * time.Second
	DefaultRateLimit       = 5
	DefaultBreakerFailures = 5

	dateLayout = "2006-01-02"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	metrics    *metrics.Registry
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Registry) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRateLimit 每秒请求数
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithBreaker 连续失败 failures 次后熔断 cooldown 时长
func WithBreaker(failures uint32, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breaker = newBreaker(failures, cooldown)
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		breaker: newBreaker(DefaultBreakerFailures, time.Minute),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func newBreaker(failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: "market_data"}
	st.Timeout = cooldown
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= failures
	}
	// 4xx 与空结果是请求本身的问题，不计入熔断
	st.IsSuccessful = func(err error) bool {
		if err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled) {
			return true
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return !apiErr.Temporary()
		}
		return false
	}
	return gobreaker.NewCircuitBreaker(st)
}

// BreakerState 当前熔断状态
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// get 发起 GET 请求并解码 JSON
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, params, result)
	})
	c.metrics.ObserveVendorRequest(endpoint, err)
	return err
}

func (c *Client) do(ctx context.Context, path string, params url.Values, result interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.logger.Debug("market data request", zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetProfile 公司概况
func (c *Client) GetProfile(ctx context.Context, ticker string) (*Profile, error) {
	var result []Profile
	if err := c.get(ctx, "profile", "/v3/profile/"+url.PathEscape(ticker), nil, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("profile %s: %w", ticker, ErrNoData)
	}
	return &result[0], nil
}

func annual(limit int) url.Values {
	params := url.Values{}
	params.Set("period", "annual")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

// GetIncomeStatements 年度利润表，按日期倒序
func (c *Client) GetIncomeStatements(ctx context.Context, ticker string, limit int) ([]IncomeStatement, error) {
	var result []IncomeStatement
	err := c.get(ctx, "income_statement", "/v3/income-statement/"+url.PathEscape(ticker), annual(limit), &result)
	return result, err
}

// GetBalanceSheets 年度资产负债表
func (c *Client) GetBalanceSheets(ctx context.Context, ticker string, limit int) ([]BalanceSheet, error) {
	var result []BalanceSheet
	err := c.get(ctx, "balance_sheet", "/v3/balance-sheet-statement/"+url.PathEscape(ticker), annual(limit), &result)
	return result, err
}

// GetCashFlows 年度现金流量表
func (c *Client) GetCashFlows(ctx context.Context, ticker string, limit int) ([]CashFlowStatement, error) {
	var result []CashFlowStatement
	err := c.get(ctx, "cash_flow", "/v3/cash-flow-statement/"+url.PathEscape(ticker), annual(limit), &result)
	return result, err
}

// GetKeyMetrics 年度关键指标
func (c *Client) GetKeyMetrics(ctx context.Context, ticker string, limit int) ([]KeyMetrics, error) {
	var result []KeyMetrics
	err := c.get(ctx, "key_metrics", "/v3/key-metrics/"+url.PathEscape(ticker), annual(limit), &result)
	return result, err
}

// GetHistoricalPrices 日线行情
func (c *Client) GetHistoricalPrices(ctx context.Context, ticker string, from, to time.Time) ([]PriceBar, error) {
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("to", to.Format(dateLayout))

	var result historicalPrices
	if err := c.get(ctx, "historical_prices", "/v3/historical-price-full/"+url.PathEscape(ticker), params, &result); err != nil {
		return nil, err
	}
	return result.Historical, nil
}

// GetEconomicIndicator 宏观经济指标序列
func (c *Client) GetEconomicIndicator(ctx context.Context, name string, from, to time.Time) ([]EconomicPoint, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("from", from.Format(dateLayout))
	params.Set("to", to.Format(dateLayout))

	var result []EconomicPoint
	err := c.get(ctx, "economic", "/v4/economic", params, &result)
	return result, err
}
