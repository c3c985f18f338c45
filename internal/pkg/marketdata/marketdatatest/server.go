// Package marketdatatest 提供一个返回固定数据的行情 API 测试服务器。
package marketdatatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

// Server 假的行情 API
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	failing  map[string]int // path 前缀 -> 状态码
	unknown  map[string]bool
	requests int64
}

// NewServer 启动测试服务器，调用方负责 Close
func NewServer() *Server {
	s := &Server{
		failing: make(map[string]int),
		unknown: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailPath 让以 prefix 开头的请求返回 status
func (s *Server) FailPath(prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[prefix] = status
}

// UnknownTicker 让该代码的概况返回空数组
func (s *Server) UnknownTicker(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknown[ticker] = true
}

// Requests 已处理的请求数
func (s *Server) Requests() int {
	return int(atomic.LoadInt64(&s.requests))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requests, 1)

	s.mu.Lock()
	for prefix, status := range s.failing {
		if strings.HasPrefix(r.URL.Path, prefix) {
			s.mu.Unlock()
			http.Error(w, "upstream failure", status)
			return
		}
	}
	s.mu.Unlock()

	if r.URL.Query().Get("apikey") == "" {
		http.Error(w, `{"Error Message":"Invalid API KEY"}`, http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	ticker := parts[len(parts)-1]

	var body interface{}
	switch {
	case strings.HasPrefix(r.URL.Path, "/v3/profile/"):
		s.mu.Lock()
		unknown := s.unknown[ticker]
		s.mu.Unlock()
		if unknown {
			body = []interface{}{}
		} else {
			body = []map[string]interface{}{{
				"symbol":            ticker,
				"companyName":       ticker + " Inc.",
				"exchangeShortName": "NASDAQ",
				"industry":          "Consumer Electronics",
				"sector":            "Technology",
				"country":           "US",
				"currency":          "USD",
				"mktCap":            3.0e12,
				"price":             190.5,
				"beta":              1.2,
				"fullTimeEmployees": "161000",
			}}
		}
	case strings.HasPrefix(r.URL.Path, "/v3/income-statement/"):
		body = yearly(ticker, func(i int) map[string]interface{} {
			rev := 100e9 + float64(i)*10e9
			return map[string]interface{}{
				"revenue": rev, "costOfRevenue": rev * 0.6, "grossProfit": rev * 0.4,
				"operatingIncome": rev * 0.25, "netIncome": rev * 0.2, "ebitda": rev * 0.3,
				"eps": 5 + float64(i), "researchAndDevelopmentExpenses": rev * 0.07,
			}
		})
	case strings.HasPrefix(r.URL.Path, "/v3/balance-sheet-statement/"):
		body = yearly(ticker, func(i int) map[string]interface{} {
			return map[string]interface{}{
				"cashAndCashEquivalents": 30e9, "totalCurrentAssets": 130e9, "totalAssets": 350e9,
				"totalCurrentLiabilities": 120e9, "totalLiabilities": 280e9, "totalDebt": 110e9,
				"totalStockholdersEquity": 70e9 + float64(i)*1e9, "inventory": 6e9, "netReceivables": 50e9,
			}
		})
	case strings.HasPrefix(r.URL.Path, "/v3/cash-flow-statement/"):
		body = yearly(ticker, func(i int) map[string]interface{} {
			return map[string]interface{}{
				"operatingCashFlow": 110e9, "capitalExpenditure": -10e9, "freeCashFlow": 100e9,
				"dividendsPaid": -15e9, "commonStockRepurchased": -80e9,
			}
		})
	case strings.HasPrefix(r.URL.Path, "/v3/key-metrics/"):
		body = yearly(ticker, func(i int) map[string]interface{} {
			return map[string]interface{}{
				"peRatio": 28.5, "pbRatio": 45.1, "enterpriseValueOverEBITDA": 22.0, "roe": 1.5,
				"roic": 0.55, "currentRatio": 1.0, "debtToEquity": 1.6, "dividendYield": 0.005,
			}
		})
	case strings.HasPrefix(r.URL.Path, "/v3/historical-price-full/"):
		bars := make([]map[string]interface{}, 0, 5)
		for d := 1; d <= 5; d++ {
			c := 180 + float64(d)
			bars = append(bars, map[string]interface{}{
				"date": fmt.Sprintf("2024-01-%02d", d), "open": c - 1, "high": c + 1,
				"low": c - 2, "close": c, "adjClose": c, "volume": 5e7,
			})
		}
		body = map[string]interface{}{"symbol": ticker, "historical": bars}
	case r.URL.Path == "/v4/economic":
		body = []map[string]interface{}{
			{"date": "2024-01-01", "value": 3.1},
			{"date": "2023-10-01", "value": 3.4},
		}
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func yearly(ticker string, row func(i int) map[string]interface{}) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, 3)
	for i := 0; i < 3; i++ {
		year := 2023 - i
		m := row(2 - i)
		m["symbol"] = ticker
		m["date"] = fmt.Sprintf("%d-09-30", year)
		m["calendarYear"] = fmt.Sprintf("%d", year)
		rows = append(rows, m)
	}
	return rows
}
