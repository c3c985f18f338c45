package collector

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata"
)

// CompanyData 单个公司的采集结果，报表按日期倒序
type CompanyData struct {
	Ticker   string
	Name     string
	Profile  *marketdata.Profile
	Income   []marketdata.IncomeStatement
	Balance  []marketdata.BalanceSheet
	CashFlow []marketdata.CashFlowStatement
	Metrics  []marketdata.KeyMetrics
	Prices   []marketdata.PriceBar
}

// LatestIncome 最近一期利润表，没有时返回 nil
func (c *CompanyData) LatestIncome() *marketdata.IncomeStatement {
	if len(c.Income) == 0 {
		return nil
	}
	return &c.Income[0]
}

// LatestBalance 最近一期资产负债表
func (c *CompanyData) LatestBalance() *marketdata.BalanceSheet {
	if len(c.Balance) == 0 {
		return nil
	}
	return &c.Balance[0]
}

// LatestCashFlow 最近一期现金流量表
func (c *CompanyData) LatestCashFlow() *marketdata.CashFlowStatement {
	if len(c.CashFlow) == 0 {
		return nil
	}
	return &c.CashFlow[0]
}

// LatestMetrics 最近一期关键指标
func (c *CompanyData) LatestMetrics() *marketdata.KeyMetrics {
	if len(c.Metrics) == 0 {
		return nil
	}
	return &c.Metrics[0]
}

// Snapshot Phase A 的完整结果，Phase B 的唯一输入
type Snapshot struct {
	AnalysisID  string
	Name        string
	YearsBack   int
	CollectedAt time.Time
	Companies   []CompanyData
	Macro       map[string][]marketdata.EconomicPoint
}

// Tickers 按输入顺序返回股票代码
func (s *Snapshot) Tickers() []string {
	tickers := make([]string, len(s.Companies))
	for i := range s.Companies {
		tickers[i] = s.Companies[i].Ticker
	}
	return tickers
}

// Encode 以 gob 编码写出
func (s *Snapshot) Encode(w io.Writer) error {
	return gob.NewEncoder(w).Encode(s)
}

// DecodeSnapshot 从 reader 解码
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// LoadSnapshot 从文件加载快照
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeSnapshot(f)
}
