// Package marketdata 是 Financial Modeling Prep 风格行情/财报 REST API 的客户端。
package marketdata

import (
	"errors"
	"fmt"
)

// ErrNoData 接口返回空结果（例如无效的股票代码）
var ErrNoData = errors.New("market data: empty response")

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market data API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Temporary 5xx 与 429 视为可恢复故障
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Exchange    string  `json:"exchangeShortName"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Country     string  `json:"country"`
	Currency    string  `json:"currency"`
	MarketCap   float64 `json:"mktCap"`
	Price       float64 `json:"price"`
	Beta        float64 `json:"beta"`
	Employees   string  `json:"fullTimeEmployees"`
	Description string  `json:"description"`
	Website     string  `json:"website"`
}

type IncomeStatement struct {
	Date             string  `json:"date"`
	Symbol           string  `json:"symbol"`
	CalendarYear     string  `json:"calendarYear"`
	Revenue          float64 `json:"revenue"`
	CostOfRevenue    float64 `json:"costOfRevenue"`
	GrossProfit      float64 `json:"grossProfit"`
	OperatingIncome  float64 `json:"operatingIncome"`
	NetIncome        float64 `json:"netIncome"`
	EBITDA           float64 `json:"ebitda"`
	EPS              float64 `json:"eps"`
	ResearchAndDev   float64 `json:"researchAndDevelopmentExpenses"`
	InterestExpense  float64 `json:"interestExpense"`
	IncomeTaxExpense float64 `json:"incomeTaxExpense"`
}

type BalanceSheet struct {
	Date                    string  `json:"date"`
	Symbol                  string  `json:"symbol"`
	CalendarYear            string  `json:"calendarYear"`
	CashAndEquivalents      float64 `json:"cashAndCashEquivalents"`
	TotalCurrentAssets      float64 `json:"totalCurrentAssets"`
	TotalAssets             float64 `json:"totalAssets"`
	TotalCurrentLiabilities float64 `json:"totalCurrentLiabilities"`
	TotalLiabilities        float64 `json:"totalLiabilities"`
	TotalDebt               float64 `json:"totalDebt"`
	TotalEquity             float64 `json:"totalStockholdersEquity"`
	Inventory               float64 `json:"inventory"`
	NetReceivables          float64 `json:"netReceivables"`
}

type CashFlowStatement struct {
	Date               string  `json:"date"`
	Symbol             string  `json:"symbol"`
	CalendarYear       string  `json:"calendarYear"`
	OperatingCashFlow  float64 `json:"operatingCashFlow"`
	CapitalExpenditure float64 `json:"capitalExpenditure"`
	FreeCashFlow       float64 `json:"freeCashFlow"`
	DividendsPaid      float64 `json:"dividendsPaid"`
	StockRepurchased   float64 `json:"commonStockRepurchased"`
}

type KeyMetrics struct {
	Date              string  `json:"date"`
	Symbol            string  `json:"symbol"`
	CalendarYear      string  `json:"calendarYear"`
	PERatio           float64 `json:"peRatio"`
	PBRatio           float64 `json:"pbRatio"`
	EVToEBITDA        float64 `json:"enterpriseValueOverEBITDA"`
	ROE               float64 `json:"roe"`
	ROIC              float64 `json:"roic"`
	CurrentRatio      float64 `json:"currentRatio"`
	DebtToEquity      float64 `json:"debtToEquity"`
	DividendYield     float64 `json:"dividendYield"`
	AssetTurnover     float64 `json:"assetTurnover"`
	InventoryTurnover float64 `json:"inventoryTurnover"`
}

type PriceBar struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjClose"`
	Volume   float64 `json:"volume"`
}

type historicalPrices struct {
	Symbol     string     `json:"symbol"`
	Historical []PriceBar `json:"historical"`
}

type EconomicPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// 宏观指标名称
const (
	IndicatorGDP          = "GDP"
	IndicatorCPI          = "CPI"
	IndicatorUnemployment = "unemploymentRate"
	IndicatorFedFunds     = "federalFunds"
)

// DefaultIndicators 采集时默认拉取的宏观指标
var DefaultIndicators = []string{IndicatorGDP, IndicatorCPI, IndicatorUnemployment, IndicatorFedFunds}
