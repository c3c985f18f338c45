package email

import (
	"bytes"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"

	"github.com/wanfaliang/benchmarking/config"
)

// Sender 发送已组装好的邮件，*gomail.Dialer 满足该接口
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Service struct {
	cfg    *config.EmailConfig
	sender Sender
}

func NewService(cfg *config.EmailConfig) *Service {
	return &Service{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password),
	}
}

// NewServiceWithSender 使用自定义发送器（测试用）
func NewServiceWithSender(cfg *config.EmailConfig, sender Sender) *Service {
	return &Service{cfg: cfg, sender: sender}
}

// Enabled 是否启用邮件
func (s *Service) Enabled() bool {
	return s != nil && s.cfg.Enabled
}

var welcomeTmpl = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2563eb;">Welcome, {{.Username}}!</h2>
        <p>Your benchmarking account is ready. Create an analysis, pick the companies to compare and we will collect their financials and build the report.</p>
        <p><a href="{{.BaseURL}}">Open the dashboard</a></p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">This message was sent automatically, please do not reply.</p>
    </div>
</body>
</html>
`))

var reportReadyTmpl = template.Must(template.New("report_ready").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #2563eb;">Report ready: {{.Name}}</h2>
        <p>Hi {{.Username}}, report generation finished with status <b>{{.Status}}</b>.</p>
        <p>{{.Completed}} of {{.Total}} sections were rendered.</p>
        <p><a href="{{.BaseURL}}/analyses/{{.AnalysisID}}">View the report</a></p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">This message was sent automatically, please do not reply.</p>
    </div>
</body>
</html>
`))

// SendWelcome 发送欢迎邮件，未启用时直接返回
func (s *Service) SendWelcome(to, username string) error {
	if !s.Enabled() {
		return nil
	}

	body, err := render(welcomeTmpl, map[string]string{
		"Username": username,
		"BaseURL":  s.cfg.BaseURL,
	})
	if err != nil {
		return err
	}
	return s.sendHTML(to, "Welcome to Benchmarking", body)
}

// ReportReady 报告完成通知内容
type ReportReady struct {
	Username   string
	AnalysisID string
	Name       string
	Status     string
	Completed  int
	Total      int
}

// SendReportReady 发送报告生成完成通知
func (s *Service) SendReportReady(to string, r ReportReady) error {
	if !s.Enabled() {
		return nil
	}

	body, err := render(reportReadyTmpl, struct {
		ReportReady
		BaseURL string
	}{r, s.cfg.BaseURL})
	if err != nil {
		return err
	}
	return s.sendHTML(to, fmt.Sprintf("Report ready: %s", r.Name), body)
}

// sendHTML 发送 HTML 邮件
func (s *Service) sendHTML(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.cfg.Username, s.cfg.From))
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}

func render(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
