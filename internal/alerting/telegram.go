package alerting

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	botMux sync.Mutex
	bot    *tgbotapi.BotAPI
}

// NewTelegramNotifier 构造 Telegram 告警器。baseURL 为空时使用官方 API。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := tgbotapi.APIEndpoint
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify 调用 sendMessage 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return deliveryError(n.Name(), err)
	}
	bot, err := n.getBot()
	if err != nil {
		return deliveryError(n.Name(), err)
	}

	text := msg.Subject + "\n\n" + msg.Body
	var out tgbotapi.MessageConfig
	if id, convErr := strconv.ParseInt(n.chatID, 10, 64); convErr == nil {
		out = tgbotapi.NewMessage(id, text)
	} else {
		out = tgbotapi.NewMessageToChannel(n.chatID, text)
	}
	out.DisableWebPagePreview = true

	if _, err := bot.Send(out); err != nil {
		return deliveryError(n.Name(), err)
	}

	n.logger.Info().Str("subject", msg.Subject).Str("key", msg.Key).Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) getBot() (*tgbotapi.BotAPI, error) {
	n.botMux.Lock()
	defer n.botMux.Unlock()

	if n.bot != nil {
		return n.bot, nil
	}
	if n.botToken == "" || n.chatID == "" {
		return nil, errors.New("telegram bot token and chat id required")
	}

	bot, err := tgbotapi.NewBotAPIWithClient(n.botToken, n.endpoint, n.client)
	if err != nil {
		return nil, errors.Wrap(err, "init telegram bot")
	}
	n.bot = bot
	return bot, nil
}

var _ Notifier = (*TelegramNotifier)(nil)
