package sections

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wanfaliang/benchmarking/internal/collector"
	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata"
)

func buildCover(snap *collector.Snapshot) (*content, error) {
	return &content{Paragraphs: []string{
		snap.Name,
		"Companies: " + strings.Join(snap.Tickers(), ", "),
		fmt.Sprintf("Look-back window: %d years. Data collected %s.", snap.YearsBack, snap.CollectedAt.Format("2006-01-02")),
	}}, nil
}

func buildExecutiveSummary(snap *collector.Snapshot) (*content, error) {
	leader, rev := "", 0.0
	for i := range snap.Companies {
		if inc := snap.Companies[i].LatestIncome(); inc != nil && inc.Revenue > rev {
			leader, rev = snap.Companies[i].Ticker, inc.Revenue
		}
	}
	if leader == "" {
		return nil, fmt.Errorf("executive summary: %w", ErrNoData)
	}
	return &content{Paragraphs: []string{
		fmt.Sprintf("This report benchmarks %d companies over %d years.", len(snap.Companies), snap.YearsBack),
		fmt.Sprintf("%s leads the group on latest annual revenue at %s.", leader, money(rev)),
	}}, nil
}

func buildCompanyProfiles(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Company", "Sector", "Industry", "Country", "Market Cap"}}
	for i := range snap.Companies {
		p := snap.Companies[i].Profile
		if p == nil {
			continue
		}
		c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, p.CompanyName, p.Sector, p.Industry, p.Country, money(p.MarketCap)})
	}
	return requireRows(c, "company profiles")
}

func buildRevenue(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Year", "Revenue", "Gross Profit"}}
	for i := range snap.Companies {
		for _, s := range snap.Companies[i].Income {
			c.Rows = append(c.Rows, []string{s.Symbol, s.CalendarYear, money(s.Revenue), money(s.GrossProfit)})
		}
	}
	return requireRows(c, "revenue")
}

func buildProfitability(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Operating Income", "Net Income", "EBITDA", "EPS"}}
	for i := range snap.Companies {
		if s := snap.Companies[i].LatestIncome(); s != nil {
			c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, money(s.OperatingIncome), money(s.NetIncome), money(s.EBITDA), number(s.EPS)})
		}
	}
	return requireRows(c, "profitability")
}

func buildMargins(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Year", "Gross Margin", "Operating Margin", "Net Margin"}}
	for i := range snap.Companies {
		for _, s := range snap.Companies[i].Income {
			c.Rows = append(c.Rows, []string{
				s.Symbol, s.CalendarYear,
				pct(ratio(s.GrossProfit, s.Revenue)),
				pct(ratio(s.OperatingIncome, s.Revenue)),
				pct(ratio(s.NetIncome, s.Revenue)),
			})
		}
	}
	return requireRows(c, "margins")
}

func buildBalanceSheet(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Total Assets", "Total Liabilities", "Equity", "Cash"}}
	for i := range snap.Companies {
		if b := snap.Companies[i].LatestBalance(); b != nil {
			c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, money(b.TotalAssets), money(b.TotalLiabilities), money(b.TotalEquity), money(b.CashAndEquivalents)})
		}
	}
	return requireRows(c, "balance sheet")
}

func buildLiquidity(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Current Ratio", "Quick Ratio", "Cash Ratio"}}
	for i := range snap.Companies {
		b := snap.Companies[i].LatestBalance()
		if b == nil {
			continue
		}
		c.Rows = append(c.Rows, []string{
			snap.Companies[i].Ticker,
			number(ratio(b.TotalCurrentAssets, b.TotalCurrentLiabilities)),
			number(ratio(b.TotalCurrentAssets-b.Inventory, b.TotalCurrentLiabilities)),
			number(ratio(b.CashAndEquivalents, b.TotalCurrentLiabilities)),
		})
	}
	return requireRows(c, "liquidity")
}

func buildLeverage(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Debt/Equity", "Liabilities/Assets", "Net Debt"}}
	for i := range snap.Companies {
		b := snap.Companies[i].LatestBalance()
		if b == nil {
			continue
		}
		c.Rows = append(c.Rows, []string{
			snap.Companies[i].Ticker,
			number(ratio(b.TotalDebt, b.TotalEquity)),
			pct(ratio(b.TotalLiabilities, b.TotalAssets)),
			money(b.TotalDebt - b.CashAndEquivalents),
		})
	}
	return requireRows(c, "leverage")
}

func buildCashFlow(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Year", "Operating Cash Flow", "Capex", "Free Cash Flow"}}
	for i := range snap.Companies {
		for _, s := range snap.Companies[i].CashFlow {
			c.Rows = append(c.Rows, []string{s.Symbol, s.CalendarYear, money(s.OperatingCashFlow), money(s.CapitalExpenditure), money(s.FreeCashFlow)})
		}
	}
	return requireRows(c, "cash flow")
}

func buildCapitalAllocation(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Dividends", "Buybacks", "Shareholder Yield of FCF"}}
	for i := range snap.Companies {
		s := snap.Companies[i].LatestCashFlow()
		if s == nil {
			continue
		}
		returned := -(s.DividendsPaid + s.StockRepurchased)
		c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, money(-s.DividendsPaid), money(-s.StockRepurchased), pct(ratio(returned, s.FreeCashFlow))})
	}
	return requireRows(c, "capital allocation")
}

func buildEfficiency(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Asset Turnover", "ROE", "ROIC"}}
	for i := range snap.Companies {
		inc, bal, m := snap.Companies[i].LatestIncome(), snap.Companies[i].LatestBalance(), snap.Companies[i].LatestMetrics()
		if inc == nil || bal == nil || m == nil {
			continue
		}
		c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, number(ratio(inc.Revenue, bal.TotalAssets)), pct(m.ROE), pct(m.ROIC)})
	}
	return requireRows(c, "efficiency")
}

func buildGrowth(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Period", "Revenue CAGR", "Net Income CAGR"}}
	for i := range snap.Companies {
		inc := snap.Companies[i].Income
		if len(inc) < 2 {
			continue
		}
		first, last := inc[len(inc)-1], inc[0]
		years := float64(len(inc) - 1)
		c.Rows = append(c.Rows, []string{
			snap.Companies[i].Ticker,
			first.CalendarYear + "-" + last.CalendarYear,
			pct(cagr(first.Revenue, last.Revenue, years)),
			pct(cagr(first.NetIncome, last.NetIncome, years)),
		})
	}
	return requireRows(c, "growth")
}

func buildValuation(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "P/E", "P/B", "EV/EBITDA", "Dividend Yield"}}
	for i := range snap.Companies {
		if m := snap.Companies[i].LatestMetrics(); m != nil {
			c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, number(m.PERatio), number(m.PBRatio), number(m.EVToEBITDA), pct(m.DividendYield)})
		}
	}
	return requireRows(c, "valuation")
}

func buildStockPerformance(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "From", "To", "Total Return"}}
	for i := range snap.Companies {
		first, last, ok := priceRange(snap.Companies[i].Prices)
		if !ok {
			continue
		}
		c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, first.Date, last.Date, pct(ratio(last.Close-first.Close, first.Close))})
	}
	return requireRows(c, "stock performance")
}

func buildRisk(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Ticker", "Beta", "Daily Volatility"}}
	for i := range snap.Companies {
		p := snap.Companies[i].Profile
		if p == nil {
			continue
		}
		c.Rows = append(c.Rows, []string{snap.Companies[i].Ticker, number(p.Beta), pct(volatility(snap.Companies[i].Prices))})
	}
	return requireRows(c, "risk")
}

func buildPeerBenchmarking(snap *collector.Snapshot) (*content, error) {
	type peer struct {
		ticker string
		margin float64
	}
	var peers []peer
	for i := range snap.Companies {
		if s := snap.Companies[i].LatestIncome(); s != nil && s.Revenue != 0 {
			peers = append(peers, peer{snap.Companies[i].Ticker, s.NetIncome / s.Revenue})
		}
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("peer benchmarking: %w", ErrNoData)
	}
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].margin > peers[j].margin })

	c := &content{
		Paragraphs: []string{"Companies ranked by latest net margin."},
		Headers:    []string{"Rank", "Ticker", "Net Margin"},
	}
	for i, p := range peers {
		c.Rows = append(c.Rows, []string{fmt.Sprintf("%d", i+1), p.ticker, pct(p.margin)})
	}
	return c, nil
}

func buildMacro(snap *collector.Snapshot) (*content, error) {
	c := &content{Headers: []string{"Indicator", "Latest Date", "Latest Value"}}
	names := make([]string, 0, len(snap.Macro))
	for name := range snap.Macro {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if latest, ok := latestPoint(snap.Macro[name]); ok {
			c.Rows = append(c.Rows, []string{name, latest.Date, number(latest.Value)})
		}
	}
	return requireRows(c, "macro")
}

func buildTakeaways(snap *collector.Snapshot) (*content, error) {
	c := &content{}
	for i := range snap.Companies {
		inc, cf := snap.Companies[i].LatestIncome(), snap.Companies[i].LatestCashFlow()
		if inc == nil || cf == nil {
			continue
		}
		c.Paragraphs = append(c.Paragraphs, fmt.Sprintf("%s: net margin %s, free cash flow conversion %s.",
			snap.Companies[i].Ticker, pct(ratio(inc.NetIncome, inc.Revenue)), pct(ratio(cf.FreeCashFlow, inc.NetIncome))))
	}
	if len(c.Paragraphs) == 0 {
		return nil, fmt.Errorf("takeaways: %w", ErrNoData)
	}
	return c, nil
}

func buildMethodology(snap *collector.Snapshot) (*content, error) {
	c := &content{
		Paragraphs: []string{
			"Financial statements, key metrics and prices come from the market data API (annual periods).",
			"Ratios are computed from the latest fiscal year unless a period is shown.",
		},
		Headers: []string{"Dataset", "Records"},
	}
	var income, prices int
	for i := range snap.Companies {
		income += len(snap.Companies[i].Income)
		prices += len(snap.Companies[i].Prices)
	}
	c.Rows = [][]string{
		{"Companies", fmt.Sprintf("%d", len(snap.Companies))},
		{"Income statements", fmt.Sprintf("%d", income)},
		{"Price bars", fmt.Sprintf("%d", prices)},
		{"Macro indicators", fmt.Sprintf("%d", len(snap.Macro))},
	}
	return c, nil
}

func requireRows(c *content, what string) (*content, error) {
	if len(c.Rows) == 0 {
		return nil, fmt.Errorf("%s: %w", what, ErrNoData)
	}
	return c, nil
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

func cagr(first, last, years float64) float64 {
	if first <= 0 || last <= 0 || years <= 0 {
		return math.NaN()
	}
	return math.Pow(last/first, 1/years) - 1
}

// priceRange 行情按日期倒序或正序均可，返回最早与最晚的一根
func priceRange(bars []marketdata.PriceBar) (first, last marketdata.PriceBar, ok bool) {
	if len(bars) < 2 {
		return first, last, false
	}
	first, last = bars[0], bars[len(bars)-1]
	if first.Date > last.Date {
		first, last = last, first
	}
	return first, last, first.Close != 0
}

func volatility(bars []marketdata.PriceBar) float64 {
	if len(bars) < 3 {
		return math.NaN()
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close == 0 {
			continue
		}
		returns = append(returns, bars[i].Close/bars[i-1].Close-1)
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

func latestPoint(points []marketdata.EconomicPoint) (marketdata.EconomicPoint, bool) {
	var latest marketdata.EconomicPoint
	for _, p := range points {
		if p.Date > latest.Date {
			latest = p
		}
	}
	return latest, latest.Date != ""
}

func money(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs >= 1e12:
		return fmt.Sprintf("$%.2fT", v/1e12)
	case abs >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

func pct(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}

func number(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}
