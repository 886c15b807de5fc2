package pending

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/flow"
)

// Renderer regenerates the reply for a conversation's current cursor.
type Renderer interface {
	Render(ctx context.Context, conv conversation.Conversation) flow.Decision
}

// Deliverer is the dispatch surface the drain sends through.
type Deliverer interface {
	IsLive(tenantID string, channelType channel.Type) bool
	Deliver(ctx context.Context, tenantID string, channelType channel.Type, to string, reply flow.Reply) error
}

// Drainer retries queued responses on a fixed cadence. Replies are
// regenerated at drain time, so a contact who waited through an outage
// gets the conversation as it stands, not a stale snapshot.
type Drainer struct {
	log           *slog.Logger
	store         Store
	conversations conversation.Store
	locks         *conversation.Locks
	renderer      Renderer
	dispatcher    Deliverer

	interval    time.Duration
	maxAttempts int
	leaseFor    time.Duration
	batchSize   int
}

func NewDrainer(log *slog.Logger, store Store, conversations conversation.Store, locks *conversation.Locks, renderer Renderer, dispatcher Deliverer, interval time.Duration, maxAttempts int) *Drainer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Drainer{
		log:           log.With(slog.String("component", "pending")),
		store:         store,
		conversations: conversations,
		locks:         locks,
		renderer:      renderer,
		dispatcher:    dispatcher,
		interval:      interval,
		maxAttempts:   maxAttempts,
		leaseFor:      time.Minute,
		batchSize:     50,
	}
}

// Enqueue records an undelivered response for the conversation.
func (d *Drainer) Enqueue(ctx context.Context, tenantID, conversationID, contactAddress string) error {
	d.log.Info("response queued",
		slog.String("tenant_id", tenantID),
		slog.String("conversation_id", conversationID))
	return d.store.Enqueue(ctx, tenantID, conversationID, contactAddress)
}

// Start runs the drain loop until the context dies.
func (d *Drainer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.drain(ctx)
			}
		}
	}()
}

func (d *Drainer) drain(ctx context.Context) {
	items, err := d.store.Lease(ctx, d.leaseFor, d.batchSize)
	if err != nil {
		d.log.Error("lease pending responses failed", slog.Any("error", err))
		return
	}
	for _, item := range items {
		d.handle(ctx, item)
	}
}

func (d *Drainer) handle(ctx context.Context, item Item) {
	// Same lock as the inbound pipeline: the render and cursor write
	// must not interleave with a concurrent decision for this
	// conversation.
	release := d.locks.Acquire(item.ConversationID)
	defer release()

	conv, err := d.conversations.Get(ctx, item.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			d.discard(ctx, item, "conversation gone")
			return
		}
		d.log.Error("load conversation failed",
			slog.String("conversation_id", item.ConversationID), slog.Any("error", err))
		d.release(ctx, item)
		return
	}
	if !conv.Open() {
		d.discard(ctx, item, "conversation closed")
		return
	}

	channelType := channel.Type(conv.ChannelType)
	if !d.dispatcher.IsLive(item.TenantID, channelType) {
		// Still down; the lease expires and the next pass retries.
		d.release(ctx, item)
		return
	}

	decision := d.renderer.Render(ctx, conv)
	if decision.Reply.IsEmpty() {
		d.discard(ctx, item, "nothing to deliver")
		return
	}

	if err := d.dispatcher.Deliver(ctx, item.TenantID, channelType, item.ContactAddress, decision.Reply); err != nil {
		d.fail(ctx, item, err)
		return
	}

	if decision.Moved {
		if err := d.conversations.UpdateCursor(ctx, conv.ID, decision.NextNodeID); err != nil {
			d.log.Error("update cursor failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
	}
	d.log.Info("pending response delivered",
		slog.String("tenant_id", item.TenantID),
		slog.String("conversation_id", item.ConversationID),
		slog.Int("attempts", item.Attempts))
	if err := d.store.Delete(ctx, item.ID); err != nil {
		d.log.Error("delete pending response failed",
			slog.String("id", item.ID), slog.Any("error", err))
	}
}

func (d *Drainer) fail(ctx context.Context, item Item, cause error) {
	attempts, err := d.store.Fail(ctx, item.ID)
	if err != nil {
		d.log.Error("record failed attempt failed",
			slog.String("id", item.ID), slog.Any("error", err))
		return
	}
	if attempts >= d.maxAttempts {
		d.log.Warn("pending response dropped after max attempts",
			slog.String("tenant_id", item.TenantID),
			slog.String("conversation_id", item.ConversationID),
			slog.Int("attempts", attempts),
			slog.Any("error", cause))
		if err := d.store.Delete(ctx, item.ID); err != nil {
			d.log.Error("delete pending response failed",
				slog.String("id", item.ID), slog.Any("error", err))
		}
		return
	}
	d.log.Warn("pending response delivery failed",
		slog.String("conversation_id", item.ConversationID),
		slog.Int("attempts", attempts),
		slog.Any("error", cause))
}

func (d *Drainer) discard(ctx context.Context, item Item, why string) {
	d.log.Info("pending response discarded",
		slog.String("conversation_id", item.ConversationID),
		slog.String("reason", why))
	if err := d.store.Delete(ctx, item.ID); err != nil {
		d.log.Error("delete pending response failed",
			slog.String("id", item.ID), slog.Any("error", err))
	}
}

func (d *Drainer) release(ctx context.Context, item Item) {
	if err := d.store.Release(ctx, item.ID); err != nil {
		d.log.Error("release pending response failed",
			slog.String("id", item.ID), slog.Any("error", err))
	}
}
