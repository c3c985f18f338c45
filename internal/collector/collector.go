// Package collector 实现 Phase A：从行情接口拉取数据，写出 raw_data.xlsx 与快照。
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/model"
	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata"
)

// 进度区间：公司数据占 5..85，宏观数据 90，写文件 95
const (
	progressStart     = 5
	progressCompanies = 80
	progressMacro     = 90
	progressWrite     = 95
)

// DataSource 行情数据来源，*marketdata.Client 满足该接口
type DataSource interface {
	GetProfile(ctx context.Context, ticker string) (*marketdata.Profile, error)
	GetIncomeStatements(ctx context.Context, ticker string, limit int) ([]marketdata.IncomeStatement, error)
	GetBalanceSheets(ctx context.Context, ticker string, limit int) ([]marketdata.BalanceSheet, error)
	GetCashFlows(ctx context.Context, ticker string, limit int) ([]marketdata.CashFlowStatement, error)
	GetKeyMetrics(ctx context.Context, ticker string, limit int) ([]marketdata.KeyMetrics, error)
	GetHistoricalPrices(ctx context.Context, ticker string, from, to time.Time) ([]marketdata.PriceBar, error)
	GetEconomicIndicator(ctx context.Context, name string, from, to time.Time) ([]marketdata.EconomicPoint, error)
}

type Collector struct {
	source     DataSource
	store      *artifact.Store
	logger     *zap.Logger
	indicators []string
	now        func() time.Time
}

type Option func(*Collector)

// WithIndicators 覆盖默认的宏观指标列表
func WithIndicators(names ...string) Option {
	return func(c *Collector) {
		c.indicators = names
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

func New(source DataSource, store *artifact.Store, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		source:     source,
		store:      store,
		logger:     logger,
		indicators: marketdata.DefaultIndicators,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect 采集并写出 Phase A 产物
//
// 两个产物要么都存在要么都不存在：各自经临时文件 + rename 写出，
// 第二个失败时删除第一个。
func (c *Collector) Collect(ctx context.Context, analysis *model.Analysis, report func(progress int, message string)) error {
	if report == nil {
		report = func(int, string) {}
	}
	if len(analysis.Companies) == 0 {
		return errors.New("analysis has no companies")
	}

	snap, err := c.gather(ctx, analysis, report)
	if err != nil {
		return err
	}

	report(progressWrite, "Writing workbook and snapshot")
	return c.persist(ctx, analysis.ID, snap)
}

func (c *Collector) gather(ctx context.Context, analysis *model.Analysis, report func(int, string)) (*Snapshot, error) {
	now := c.now().UTC()
	from := now.AddDate(-analysis.YearsBack, 0, 0)
	limit := analysis.YearsBack

	snap := &Snapshot{
		AnalysisID:  analysis.ID,
		Name:        analysis.Name,
		YearsBack:   analysis.YearsBack,
		CollectedAt: now,
		Companies:   make([]CompanyData, 0, len(analysis.Companies)),
		Macro:       make(map[string][]marketdata.EconomicPoint),
	}

	n := len(analysis.Companies)
	for i, company := range analysis.Companies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(progressStart+progressCompanies*i/n, fmt.Sprintf("Collecting %s (%d/%d)", company.Ticker, i+1, n))

		data, err := c.collectCompany(ctx, company, limit, from, now)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", company.Ticker, err)
		}
		snap.Companies = append(snap.Companies, *data)
	}

	report(progressMacro, "Collecting macroeconomic indicators")
	for _, name := range c.indicators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		points, err := c.source.GetEconomicIndicator(ctx, name, from, now)
		if err != nil {
			// 宏观数据缺失不影响报告主体
			c.logger.Warn("economic indicator unavailable", zap.String("indicator", name), zap.Error(err))
			continue
		}
		snap.Macro[name] = points
	}

	return snap, nil
}

func (c *Collector) collectCompany(ctx context.Context, company model.Company, limit int, from, to time.Time) (*CompanyData, error) {
	data := &CompanyData{Ticker: company.Ticker, Name: company.Name}

	profile, err := c.source.GetProfile(ctx, company.Ticker)
	if err != nil {
		return nil, err
	}
	data.Profile = profile

	if data.Income, err = c.source.GetIncomeStatements(ctx, company.Ticker, limit); err != nil {
		return nil, err
	}
	if data.Balance, err = c.source.GetBalanceSheets(ctx, company.Ticker, limit); err != nil {
		return nil, err
	}
	if data.CashFlow, err = c.source.GetCashFlows(ctx, company.Ticker, limit); err != nil {
		return nil, err
	}
	if data.Metrics, err = c.source.GetKeyMetrics(ctx, company.Ticker, limit); err != nil {
		return nil, err
	}

	prices, err := c.source.GetHistoricalPrices(ctx, company.Ticker, from, to)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn("historical prices unavailable", zap.String("ticker", company.Ticker), zap.Error(err))
	}
	data.Prices = prices

	return data, nil
}

func (c *Collector) persist(ctx context.Context, analysisID string, snap *Snapshot) error {
	if err := c.store.Ensure(analysisID); err != nil {
		return fmt.Errorf("failed to prepare artifact dir: %w", err)
	}

	rawPath := c.store.Path(analysisID, artifact.RawData)
	snapPath := c.store.Path(analysisID, artifact.Snapshot)

	if err := artifact.WriteAtomic(rawPath, func(w io.Writer) error {
		return WriteWorkbook(w, snap)
	}); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	err := ctx.Err()
	if err == nil {
		err = artifact.WriteAtomic(snapPath, snap.Encode)
	}
	if err != nil {
		_ = os.Remove(rawPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	c.logger.Info("collection artifacts written",
		zap.String("analysis_id", analysisID),
		zap.Int("companies", len(snap.Companies)),
		zap.Int("indicators", len(snap.Macro)))
	return nil
}

var profileFallback = marketdata.Profile{}

func sortedKeys(m map[string][]marketdata.EconomicPoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
