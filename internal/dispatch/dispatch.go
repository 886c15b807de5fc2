// Package dispatch turns flow replies into ordered transport sends,
// shaped by the capability matrix and outbound policy of the target
// channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/flow"
)

// Sender is the transport surface the dispatcher delivers through.
type Sender interface {
	Send(ctx context.Context, tenantID string, channelType channel.Type, msg channel.OutboundMessage) (string, error)
	IsLive(tenantID string, channelType channel.Type) bool
}

// Dispatcher delivers replies segment by segment, in order. A drop
// mid-reply stops delivery; the caller decides whether to queue the
// rest for later.
type Dispatcher struct {
	log          *slog.Logger
	registry     *channel.Registry
	sender       Sender
	retryMax     int
	retryBackoff time.Duration
}

func New(log *slog.Logger, registry *channel.Registry, sender Sender, retryMax int, retryBackoff time.Duration) *Dispatcher {
	if retryMax < 1 {
		retryMax = 1
	}
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		log:          log.With(slog.String("component", "dispatch")),
		registry:     registry,
		sender:       sender,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
	}
}

// IsLive reports whether the tenant's channel can deliver right now.
func (d *Dispatcher) IsLive(tenantID string, channelType channel.Type) bool {
	return d.sender.IsLive(tenantID, channelType)
}

// Deliver renders and sends every segment of the reply to one contact.
// Address policy violations fail before anything hits the wire.
func (d *Dispatcher) Deliver(ctx context.Context, tenantID string, channelType channel.Type, to string, reply flow.Reply) error {
	if reply.IsEmpty() {
		return nil
	}
	if validator, ok := d.registry.GetAddressValidator(channelType); ok {
		if err := validator.ValidateAddress(to); err != nil {
			return fmt.Errorf("invalid delivery target: %w", err)
		}
	}

	caps, _ := d.registry.GetCapabilities(channelType)
	policy, _ := d.registry.GetOutboundPolicy(channelType)
	policy = channel.NormalizeOutboundPolicy(policy)

	for _, msg := range BuildMessages(to, reply, caps, policy) {
		if err := d.sendWithRetry(ctx, tenantID, channelType, msg); err != nil {
			return err
		}
	}
	return nil
}

// BuildMessages renders a reply for one channel: text chunked to the
// policy limit, options as buttons or a numbered list, media inline or
// as a plain link.
func BuildMessages(to string, reply flow.Reply, caps channel.Capabilities, policy channel.OutboundPolicy) []channel.OutboundMessage {
	messages := make([]channel.OutboundMessage, 0, len(reply.Segments))
	for _, segment := range reply.Segments {
		text := strings.TrimSpace(segment.Text)

		var buttons []channel.Button
		if len(segment.Options) > 0 {
			if caps.Buttons {
				for _, opt := range segment.Options {
					buttons = append(buttons, channel.Button{Payload: opt.Payload, Label: opt.Label})
				}
			} else {
				text = appendNumberedOptions(text, segment.Options)
			}
		}

		var media *channel.Media
		if segment.MediaURL != "" {
			if caps.Media {
				media = &channel.Media{URL: segment.MediaURL}
			} else {
				text = joinLines(text, segment.MediaURL)
			}
		}

		chunks := channel.ChunkText(text, policy.TextChunkLimit)
		if len(chunks) == 0 && (len(buttons) > 0 || media != nil) {
			chunks = []string{""}
		}
		for i, chunk := range chunks {
			msg := channel.OutboundMessage{To: to, Text: chunk}
			// Buttons and media ride on the last chunk so the option
			// list lands under the text it belongs to.
			if i == len(chunks)-1 {
				msg.Buttons = buttons
				msg.Media = media
			}
			if msg.IsEmpty() {
				continue
			}
			messages = append(messages, msg)
		}
	}
	return messages
}

func appendNumberedOptions(text string, options []flow.OptionItem) string {
	lines := make([]string, 0, len(options))
	for i, opt := range options {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, opt.Label))
	}
	return joinLines(text, strings.Join(lines, "\n"))
}

func joinLines(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

// sendWithRetry retries transient failures with a fixed backoff. A
// dead channel or a rejected address is final; retrying cannot help.
func (d *Dispatcher) sendWithRetry(ctx context.Context, tenantID string, channelType channel.Type, msg channel.OutboundMessage) error {
	var lastErr error
	for attempt := 1; attempt <= d.retryMax; attempt++ {
		_, err := d.sender.Send(ctx, tenantID, channelType, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, channel.ErrNotConnected) || errors.Is(err, channel.ErrGroupAddress) {
			return err
		}
		lastErr = err
		d.log.Warn("send failed",
			slog.String("tenant_id", tenantID),
			slog.String("channel", channelType.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == d.retryMax {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryBackoff):
		}
	}
	return fmt.Errorf("deliver after %d attempts: %w", d.retryMax, lastErr)
}
