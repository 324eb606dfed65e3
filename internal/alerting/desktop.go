package alerting

import (
	"context"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"engwewatch/internal/monitor"
)

// DesktopSender 弹出一条桌面通知; critical 时使用带提示音的告警样式。
type DesktopSender func(title, message string, critical bool) error

func beeepSender(title, message string, critical bool) error {
	if critical {
		return beeep.Alert(title, message, "")
	}
	return beeep.Notify(title, message, "")
}

// DesktopNotifier 通过系统通知中心 (notify-send/D-Bus, Windows toast, macOS) 弹出桌面通知。
type DesktopNotifier struct {
	appName string
	send    DesktopSender
	logger  zerolog.Logger
}

// NewDesktopNotifier 构造桌面通知器; send 为空时使用 beeep。
func NewDesktopNotifier(appName string, send DesktopSender, logger zerolog.Logger) *DesktopNotifier {
	if send == nil {
		send = beeepSender
	}
	return &DesktopNotifier{
		appName: appName,
		send:    send,
		logger:  logger.With().Str("component", "alert_desktop").Logger(),
	}
}

func (n *DesktopNotifier) Name() string { return "desktop" }

// Notify 显示桌面通知, 标题带上应用名。
func (n *DesktopNotifier) Notify(ctx context.Context, msg Message) error {
	title := msg.Subject
	if n.appName != "" {
		title = n.appName + " - " + msg.Subject
	}
	if err := n.send(title, msg.Body, msg.Severity == monitor.SeverityCritical); err != nil {
		return deliveryError(n.Name(), err)
	}
	n.logger.Debug().Str("subject", msg.Subject).Msg("desktop notification shown")
	return nil
}

var _ Notifier = (*DesktopNotifier)(nil)
