package alerting

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"engwewatch/internal/config"
)

const subjectPrefix = "Engwe Monitor: "

// SendMailFunc 与 smtp.SendMail 签名一致, 便于测试替换。
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier 通过 SMTP 发送纯文本邮件。smtp.SendMail 在服务器支持时会先 STARTTLS。
type EmailNotifier struct {
	cfg    config.EmailConfig
	store  string
	send   SendMailFunc
	logger zerolog.Logger
}

// NewEmailNotifier 构造邮件通知器; store 会出现在邮件页脚。
func NewEmailNotifier(cfg config.EmailConfig, store string, send SendMailFunc, logger zerolog.Logger) *EmailNotifier {
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailNotifier{
		cfg:    cfg,
		store:  store,
		send:   send,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

func (n *EmailNotifier) Name() string { return "email" }

// Notify 发送一封邮件。net/smtp 不支持 context, 超时由调用方的 ctx 在发送前检查。
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return deliveryError(n.Name(), err)
	}

	from := n.cfg.From
	if from == "" {
		from = n.cfg.Username
	}
	to := splitRecipients(n.cfg.ToEmail)
	addr := net.JoinHostPort(n.cfg.SMTPServer, strconv.Itoa(n.cfg.SMTPPort))

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPServer)
	}

	if err := n.send(addr, auth, from, to, n.render(from, to, msg)); err != nil {
		return deliveryError(n.Name(), err)
	}
	n.logger.Info().Str("subject", msg.Subject).Strs("to", to).Msg("email notification sent")
	return nil
}

func (n *EmailNotifier) render(from string, to []string, msg Message) []byte {
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s%s\r\n", subjectPrefix, msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", ts.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n\r\n---\r\nEngwe Product Monitor\r\n")
	fmt.Fprintf(&b, "Timestamp: %s\r\n", ts.Format("2006-01-02 15:04:05"))
	if n.store != "" {
		fmt.Fprintf(&b, "Store: %s\r\n", n.store)
	}
	return []byte(b.String())
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ Notifier = (*EmailNotifier)(nil)
