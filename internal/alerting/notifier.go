package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"engwewatch/internal/monitor"
)

// ErrDelivery 标记单个渠道投递失败; 不影响其他渠道。
var ErrDelivery = errors.New("alerting: delivery failed")

// Message 是渠道无关的通知内容。
type Message struct {
	Subject  string
	Body     string
	Severity monitor.Severity
	Key      string
	Time     time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// AlertMessage renders one alert.
func AlertMessage(a monitor.Alert) Message {
	return Message{
		Subject:  a.Subject(),
		Body:     a.Message,
		Severity: a.Severity,
		Key:      a.Key(),
		Time:     a.GeneratedAt,
	}
}

// SummaryMessage aggregates a scan's alerts per category.
func SummaryMessage(alerts []monitor.Alert, totalProducts int, at time.Time) Message {
	counts := monitor.CountByCategory(alerts)
	var b strings.Builder
	b.WriteString("Monitoring Summary:\n\n")
	for _, c := range monitor.Categories {
		if counts[c] == 0 {
			continue
		}
		fmt.Fprintf(&b, "• %d %s\n", counts[c], c.String())
	}
	fmt.Fprintf(&b, "• %d alerts generated\n", len(alerts))
	if totalProducts > 0 {
		fmt.Fprintf(&b, "• %d total products monitored", totalProducts)
	}
	return Message{
		Subject:  "Monitoring Summary",
		Body:     strings.TrimRight(b.String(), "\n"),
		Severity: monitor.SeverityInfo,
		Time:     at,
	}
}

func deliveryError(channel string, err error) error {
	return errors.Mark(errors.Wrapf(err, "%s channel", channel), ErrDelivery)
}
