package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
	"autotask_engine/internal/store/sqlite"
)

// EmailNotifier 批次完成事件进队列，按时间窗合并后发一封汇总邮件。
// 连续跑多个批次时不会一封一封地轰炸邮箱。
type EmailNotifier struct {
	store *sqlite.Store
	bus   *logbus.Bus

	mu     sync.Mutex
	queue  chan BatchCompletedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(store *sqlite.Store, bus *logbus.Bus) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:         store,
		bus:           bus,
		queue:         make(chan BatchCompletedEvent, 100),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: 30 * time.Second,
		maxBatch:      20,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyBatchCompleted(_ context.Context, evt BatchCompletedEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{
				"batchId": evt.BatchID,
				"type":    string(evt.Type),
			})
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []BatchCompletedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if n.summaryWindow <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]BatchCompletedEvent(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.send(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) send(reason string, events []BatchCompletedEvent) {
	if n.store == nil {
		return
	}

	// Close 触发的收尾 flush 也要能发出去，此时 n.ctx 已经取消
	ctx := context.WithoutCancel(n.ctx)
	settings, ok, err := n.store.GetEmailSettings(ctx)
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		}
		return
	}
	if !ok || !settings.Enabled {
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		}
		return
	}

	if err := SendBatchSummaryEmail(ctx, settings, events); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "邮件发送失败", map[string]any{
				"error":  err.Error(),
				"count":  len(events),
				"reason": reason,
			})
		}
		return
	}
	if n.bus != nil {
		n.bus.Log("info", "通知邮件已发送", map[string]any{
			"count":  len(events),
			"reason": reason,
			"to":     strings.TrimSpace(settings.Email),
		})
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendBatchSummaryEmail(ctx context.Context, settings model.EmailSettings, events []BatchCompletedEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("任务批次汇总（%d 批）", len(events))
	htmlBody, textBody, err := buildSummaryBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "账号任务助手"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "qq.com" || domain == "foxmail.com":
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || domain == "126.com" || domain == "yeah.net":
		return "smtp.163.com", 465, true, nil
	case domain == "gmail.com":
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || domain == "hotmail.com" || domain == "live.com":
		return "smtp.office365.com", 587, false, nil
	case domain == "aliyun.com":
		return "smtp.aliyun.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

var summaryHTMLTpl = template.Must(template.New("summary").Parse(`
<!doctype html>
<html lang="zh-CN">
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,'PingFang SC','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">任务批次汇总</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">账号任务助手通知</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;font-size:12px;">
            <thead>
              <tr>
                <th style="text-align:left;padding:10px 12px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;">任务</th>
                <th style="text-align:right;padding:10px 12px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;">总数</th>
                <th style="text-align:right;padding:10px 12px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;">成功</th>
                <th style="text-align:right;padding:10px 12px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;">失败</th>
                <th style="text-align:right;padding:10px 12px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;">不符合条件</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="padding:10px 12px;border-bottom:1px solid #eef0f6;color:#111827;font-weight:600;">{{ .Label }}</td>
                <td style="text-align:right;padding:10px 12px;border-bottom:1px solid #eef0f6;">{{ .Total }}</td>
                <td style="text-align:right;padding:10px 12px;border-bottom:1px solid #eef0f6;color:#059669;">{{ .Succeeded }}</td>
                <td style="text-align:right;padding:10px 12px;border-bottom:1px solid #eef0f6;color:#dc2626;">{{ .Failed }}</td>
                <td style="text-align:right;padding:10px 12px;border-bottom:1px solid #eef0f6;">{{ .Ineligible }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type summaryRow struct {
	Label      string
	Total      int
	Succeeded  int
	Failed     int
	Ineligible int
}

func buildSummaryBody(events []BatchCompletedEvent) (htmlBody, textBody string, err error) {
	rows := make([]summaryRow, 0, len(events))
	var text strings.Builder
	for _, evt := range events {
		rows = append(rows, summaryRow{
			Label:      evt.Type.Label(),
			Total:      evt.Total,
			Succeeded:  evt.Succeeded,
			Failed:     evt.Failed,
			Ineligible: evt.Ineligible,
		})
		fmt.Fprintf(&text, "%s：总数 %d，成功 %d，失败 %d，不符合条件 %d\n",
			evt.Type.Label(), evt.Total, evt.Succeeded, evt.Failed, evt.Ineligible)
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, map[string]any{"Rows": rows}); err != nil {
		return "", "", err
	}
	return buf.String(), text.String(), nil
}
