// Package reaper closes conversations that went quiet. It sweeps on a
// cron schedule, says goodbye when the channel still allows it and
// finishes the conversation either way.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/event"
	"github.com/botwalk/botwalk/internal/flow"
)

const closeReason = "inactivity"

// defaultClosingLines is the pool used when a tenant has not set a
// closing message.
var defaultClosingLines = []string{
	"This conversation was closed due to inactivity. Send a new message to start again.",
	"We have not heard from you in a while, so this chat is now closed. Message us anytime to start over.",
	"Closing this conversation for now. Reach out again whenever you need us.",
}

// Deliverer is the dispatch surface used for the closing notice.
type Deliverer interface {
	IsLive(tenantID string, channelType channel.Type) bool
	Deliver(ctx context.Context, tenantID string, channelType channel.Type, to string, reply flow.Reply) error
}

// Reaper finishes idle active conversations on a schedule.
type Reaper struct {
	log           *slog.Logger
	conversations conversation.Store
	dispatcher    Deliverer
	events        event.Publisher

	spec           string
	timeout        time.Duration
	closingMessage string
	batchSize      int
	rng            *rand.Rand

	cron *cron.Cron
}

func New(log *slog.Logger, conversations conversation.Store, dispatcher Deliverer, events event.Publisher, spec string, timeout time.Duration, closingMessage string) *Reaper {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Reaper{
		log:            log.With(slog.String("component", "reaper")),
		conversations:  conversations,
		dispatcher:     dispatcher,
		events:         events,
		spec:           spec,
		timeout:        timeout,
		closingMessage: strings.TrimSpace(closingMessage),
		batchSize:      100,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start schedules the sweep. The first pass runs one interval in.
func (r *Reaper) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.Sweep(ctx)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("reaper started", slog.String("spec", r.spec), slog.Duration("timeout", r.timeout))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep finishes every conversation idle past the threshold. The
// closing notice is best effort; the transition is not.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.timeout)
	idle, err := r.conversations.ListIdleActive(ctx, cutoff, r.batchSize)
	if err != nil {
		r.log.Error("list idle conversations failed", slog.Any("error", err))
		return
	}
	for _, conv := range idle {
		r.close(ctx, conv)
	}
}

func (r *Reaper) close(ctx context.Context, conv conversation.Conversation) {
	channelType := channel.Type(conv.ChannelType)
	if r.dispatcher != nil && r.dispatcher.IsLive(conv.TenantID, channelType) {
		notice := flow.Reply{Segments: []flow.Segment{{Text: r.closingText()}}}
		if err := r.dispatcher.Deliver(ctx, conv.TenantID, channelType, conv.ContactAddress, notice); err != nil {
			r.log.Warn("closing notice failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err))
		}
	}

	if err := r.conversations.SetStatus(ctx, conv.ID, conversation.StatusFinished, closeReason); err != nil {
		r.log.Error("finish conversation failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return
	}
	r.log.Info("conversation reaped",
		slog.String("tenant_id", conv.TenantID),
		slog.String("conversation_id", conv.ID),
		slog.Time("last_activity_at", conv.LastActivityAt))
	r.publish(conv)
}

func (r *Reaper) closingText() string {
	if r.closingMessage != "" {
		return r.closingMessage
	}
	return defaultClosingLines[r.rng.Intn(len(defaultClosingLines))]
}

func (r *Reaper) publish(conv conversation.Conversation) {
	if r.events == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"conversation_id": conv.ID,
		"contact_address": conv.ContactAddress,
		"reason":          closeReason,
	})
	if err != nil {
		return
	}
	r.events.Publish(event.Event{
		Type:     event.TypeConversationFinished,
		TenantID: conv.TenantID,
		Data:     data,
	})
}
