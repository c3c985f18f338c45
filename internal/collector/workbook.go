package collector

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// 工作簿中的工作表，顺序即输出顺序
const (
	SheetCompanies = "Companies"
	SheetIncome    = "Income"
	SheetBalance   = "Balance"
	SheetCashFlow  = "CashFlow"
	SheetMetrics   = "Metrics"
	SheetPrices    = "Prices"
	SheetMacro     = "Macro"
)

var sheetOrder = []string{
	SheetCompanies, SheetIncome, SheetBalance, SheetCashFlow, SheetMetrics, SheetPrices, SheetMacro,
}

type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (w *sheetWriter) write(values ...interface{}) {
	if w.err != nil {
		return
	}
	w.row++
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetSheetRow(w.sheet, cell, &values)
}

// WriteWorkbook 把快照写成 xlsx，每类数据一个工作表
func WriteWorkbook(w io.Writer, snap *Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetCompanies); err != nil {
		return err
	}
	for _, name := range sheetOrder[1:] {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4F81BD"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	writers := make(map[string]*sheetWriter, len(sheetOrder))
	for _, name := range sheetOrder {
		writers[name] = &sheetWriter{f: f, sheet: name}
	}

	writers[SheetCompanies].write("Ticker", "Name", "Company", "Exchange", "Sector", "Industry", "Country", "Currency", "Market Cap", "Price", "Beta")
	writers[SheetIncome].write("Ticker", "Year", "Date", "Revenue", "Cost of Revenue", "Gross Profit", "Operating Income", "Net Income", "EBITDA", "EPS", "R&D")
	writers[SheetBalance].write("Ticker", "Year", "Date", "Cash", "Current Assets", "Total Assets", "Current Liabilities", "Total Liabilities", "Total Debt", "Equity")
	writers[SheetCashFlow].write("Ticker", "Year", "Date", "Operating Cash Flow", "Capex", "Free Cash Flow", "Dividends Paid", "Buybacks")
	writers[SheetMetrics].write("Ticker", "Year", "Date", "P/E", "P/B", "EV/EBITDA", "ROE", "ROIC", "Current Ratio", "Debt/Equity", "Dividend Yield")
	writers[SheetPrices].write("Ticker", "Date", "Open", "High", "Low", "Close", "Adj Close", "Volume")
	writers[SheetMacro].write("Indicator", "Date", "Value")

	for _, c := range snap.Companies {
		p := c.Profile
		if p == nil {
			p = &profileFallback
		}
		writers[SheetCompanies].write(c.Ticker, c.Name, p.CompanyName, p.Exchange, p.Sector, p.Industry, p.Country, p.Currency, p.MarketCap, p.Price, p.Beta)

		for _, s := range c.Income {
			writers[SheetIncome].write(c.Ticker, s.CalendarYear, s.Date, s.Revenue, s.CostOfRevenue, s.GrossProfit, s.OperatingIncome, s.NetIncome, s.EBITDA, s.EPS, s.ResearchAndDev)
		}
		for _, s := range c.Balance {
			writers[SheetBalance].write(c.Ticker, s.CalendarYear, s.Date, s.CashAndEquivalents, s.TotalCurrentAssets, s.TotalAssets, s.TotalCurrentLiabilities, s.TotalLiabilities, s.TotalDebt, s.TotalEquity)
		}
		for _, s := range c.CashFlow {
			writers[SheetCashFlow].write(c.Ticker, s.CalendarYear, s.Date, s.OperatingCashFlow, s.CapitalExpenditure, s.FreeCashFlow, s.DividendsPaid, s.StockRepurchased)
		}
		for _, m := range c.Metrics {
			writers[SheetMetrics].write(c.Ticker, m.CalendarYear, m.Date, m.PERatio, m.PBRatio, m.EVToEBITDA, m.ROE, m.ROIC, m.CurrentRatio, m.DebtToEquity, m.DividendYield)
		}
		for _, b := range c.Prices {
			writers[SheetPrices].write(c.Ticker, b.Date, b.Open, b.High, b.Low, b.Close, b.AdjClose, b.Volume)
		}
	}

	for _, name := range sortedKeys(snap.Macro) {
		for _, pt := range snap.Macro[name] {
			writers[SheetMacro].write(name, pt.Date, pt.Value)
		}
	}

	for _, name := range sheetOrder {
		sw := writers[name]
		if sw.err != nil {
			return fmt.Errorf("failed to write sheet %s: %w", name, sw.err)
		}
		if err := f.SetRowStyle(name, 1, 1, headerStyle); err != nil {
			return err
		}
	}

	return f.Write(w)
}

// ReadCompanyTickers 读取工作簿 Companies 表中的股票代码
func ReadCompanyTickers(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(SheetCompanies)
	if err != nil {
		return nil, err
	}

	var tickers []string
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		tickers = append(tickers, row[0])
	}
	return tickers, nil
}
