// Package sections 是报告 20 个章节渲染器的静态注册表。
package sections

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"

	"github.com/wanfaliang/benchmarking/internal/collector"
	"github.com/wanfaliang/benchmarking/internal/model"
)

var (
	ErrUnknownSection = errors.New("未知的章节编号")
	ErrNoData         = errors.New("no data available for section")
)

// Renderer 渲染指定编号的章节，返回完整 HTML 文档
type Renderer interface {
	Render(number int, snap *collector.Snapshot) (string, error)
}

// RendererFunc 函数适配器
type RendererFunc func(number int, snap *collector.Snapshot) (string, error)

func (f RendererFunc) Render(number int, snap *collector.Snapshot) (string, error) {
	return f(number, snap)
}

// builder 生成章节正文
type builder func(snap *collector.Snapshot) (*content, error)

// Registry 编号到渲染函数的固定映射
type Registry struct {
	builders [model.SectionCount]builder
}

// Default 返回内置的 20 个章节
func Default() *Registry {
	return &Registry{builders: [model.SectionCount]builder{
		buildCover,
		buildExecutiveSummary,
		buildCompanyProfiles,
		buildRevenue,
		buildProfitability,
		buildMargins,
		buildBalanceSheet,
		buildLiquidity,
		buildLeverage,
		buildCashFlow,
		buildCapitalAllocation,
		buildEfficiency,
		buildGrowth,
		buildValuation,
		buildStockPerformance,
		buildRisk,
		buildPeerBenchmarking,
		buildMacro,
		buildTakeaways,
		buildMethodology,
	}}
}

// Name 章节名称
func (r *Registry) Name(number int) string {
	if number < 0 || number >= model.SectionCount {
		return ""
	}
	return model.SectionNames[number]
}

func (r *Registry) Render(number int, snap *collector.Snapshot) (string, error) {
	if number < 0 || number >= model.SectionCount {
		return "", fmt.Errorf("%w: %d", ErrUnknownSection, number)
	}
	if snap == nil {
		return "", errors.New("nil snapshot")
	}

	body, err := r.builders[number](snap)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, page{
		Analysis: snap.Name,
		Number:   number,
		Title:    model.SectionNames[number],
		Content:  body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render section %d: %w", number, err)
	}
	return buf.String(), nil
}

type page struct {
	Analysis string
	Number   int
	Title    string
	Content  *content
}

// content 章节正文：若干段落加可选表格
type content struct {
	Paragraphs []string
	Headers    []string
	Rows       [][]string
}

var pageTemplate = template.Must(template.New("section").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} · {{.Analysis}}</title>
</head>
<body>
<section class="report-section" data-section="{{.Number}}">
<h2>{{.Title}}</h2>
{{range .Content.Paragraphs}}<p>{{.}}</p>
{{end}}{{if .Content.Headers}}<table>
<thead><tr>{{range .Content.Headers}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Content.Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{end}}</section>
</body>
</html>
`))
