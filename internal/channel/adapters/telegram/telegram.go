// Package telegram runs tenant bots over the Telegram Bot API. The
// bot token is the credential; there is no pairing flow. Option lists
// render as inline keyboards and come back as callback-query payloads.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/botwalk/botwalk/internal/channel"
)

// ChannelType is the registry key for the Telegram channel.
const ChannelType = channel.Type("telegram")

const maxMessageLength = 4096

// Adapter dials Telegram with the sealed token from the session store,
// falling back to the configured default token for fresh sessions.
type Adapter struct {
	log          *slog.Logger
	defaultToken string
}

func New(log *slog.Logger, defaultToken string) *Adapter {
	return &Adapter{
		log:          log.With(slog.String("component", "telegram")),
		defaultToken: strings.TrimSpace(defaultToken),
	}
}

func (a *Adapter) Type() channel.Type {
	return ChannelType
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        ChannelType,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Pairing:  false,
			Liveness: true,
			Buttons:  true,
			Media:    true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: maxMessageLength,
			RetryMax:       3,
			RetryBackoffMs: 500,
		},
	}
}

// Dial authenticates the bot and starts the long-poll loop. Telegram
// sessions are live the moment the token checks out.
func (a *Adapter) Dial(ctx context.Context, cfg channel.DialConfig, sink channel.EventSink) (channel.Transport, error) {
	token := a.defaultToken
	if len(cfg.Credentials) > 0 {
		token = strings.TrimSpace(string(cfg.Credentials))
	}
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is not configured")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authenticate telegram bot: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)

	t := &transport{
		log:  a.log.With(slog.String("tenant_id", cfg.TenantID)),
		bot:  bot,
		sink: sink,
	}
	t.BaseTransport = channel.NewBaseTransport(cfg.TenantID, ChannelType, func(context.Context) error {
		bot.StopReceivingUpdates()
		// Drain so the library's polling goroutine can exit; a lingering
		// long-poll request conflicts with the next session on this token.
		for range updates {
		}
		return nil
	})

	go t.receive(updates)

	sink.StateChanged(channel.TransportEvent{
		Kind:        channel.TransportConnected,
		Address:     strings.TrimSpace(bot.Self.UserName),
		Credentials: []byte(token),
	})
	return t, nil
}

type transport struct {
	*channel.BaseTransport

	log  *slog.Logger
	bot  *tgbotapi.BotAPI
	sink channel.EventSink
}

func (t *transport) receive(updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			t.handleCallback(update.CallbackQuery)
		case update.Message != nil:
			t.handleMessage(update.Message)
		}
	}
	if t.IsLive() {
		t.MarkDown()
		t.sink.StateChanged(channel.TransportEvent{
			Kind:   channel.TransportDisconnected,
			Reason: channel.ReasonConnectionLost,
		})
	}
}

// handleCallback turns a tapped inline button into an inbound payload.
func (t *transport) handleCallback(cb *tgbotapi.CallbackQuery) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		t.log.Warn("answer callback failed", slog.Any("error", err))
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	t.sink.Inbound(channel.InboundMessage{
		Channel:    ChannelType,
		From:       strconv.FormatInt(cb.Message.Chat.ID, 10),
		Payload:    strings.TrimSpace(cb.Data),
		MessageID:  strconv.Itoa(cb.Message.MessageID),
		ReceivedAt: time.Now().UTC(),
	})
}

func (t *transport) handleMessage(msg *tgbotapi.Message) {
	// One-to-one conversations only; group chat is not a contact.
	if msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	t.sink.Inbound(channel.InboundMessage{
		Channel:    ChannelType,
		From:       strconv.FormatInt(msg.Chat.ID, 10),
		Text:       text,
		MessageID:  strconv.Itoa(msg.MessageID),
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	})
}

func (t *transport) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	if !t.IsLive() {
		return "", channel.ErrNotConnected
	}
	chatID, err := parseChatID(msg.To)
	if err != nil {
		return "", err
	}

	text := truncateText(sanitizeText(strings.TrimSpace(msg.Text)))
	var sent tgbotapi.Message
	if msg.Media != nil {
		sent, err = t.sendMedia(chatID, text, msg)
	} else {
		message := tgbotapi.NewMessage(chatID, text)
		if len(msg.Buttons) > 0 {
			message.ReplyMarkup = inlineKeyboard(msg.Buttons)
		}
		sent, err = t.bot.Send(message)
	}
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (t *transport) sendMedia(chatID int64, caption string, msg channel.OutboundMessage) (tgbotapi.Message, error) {
	file := tgbotapi.FileURL(msg.Media.URL)
	if strings.TrimSpace(msg.Media.Caption) != "" {
		caption = truncateText(sanitizeText(msg.Media.Caption))
	}
	switch msg.Media.Kind {
	case "image":
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		if len(msg.Buttons) > 0 {
			photo.ReplyMarkup = inlineKeyboard(msg.Buttons)
		}
		return t.bot.Send(photo)
	default:
		document := tgbotapi.NewDocument(chatID, file)
		document.Caption = caption
		if len(msg.Buttons) > 0 {
			document.ReplyMarkup = inlineKeyboard(msg.Buttons)
		}
		return t.bot.Send(document)
	}
}

func parseChatID(address string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram address must be a chat id: %q", address)
	}
	return chatID, nil
}

// inlineKeyboard renders one button per row; tapping returns the
// button payload as callback data.
func inlineKeyboard(buttons []channel.Button) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Payload)))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// sanitizeText strips invalid byte sequences the Bot API rejects.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateText cuts to the API limit on a rune boundary.
func truncateText(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	const suffix = "..."
	limit := maxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}
