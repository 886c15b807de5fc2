// Package inbound drives the message path: every contact message a
// live transport delivers runs through the Processor, which resolves
// the conversation, asks the flow engine for a decision, persists the
// cursor and hands the reply to the dispatcher. Replies that cannot be
// delivered because the channel went down divert to the pending queue.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/event"
	"github.com/botwalk/botwalk/internal/flow"
	"github.com/botwalk/botwalk/internal/graph"
)

// Decider produces the flow decision for one inbound input.
type Decider interface {
	Decide(ctx context.Context, conv conversation.Conversation, rawInput string) flow.Decision
}

// Deliverer sends a rendered reply to a contact.
type Deliverer interface {
	Deliver(ctx context.Context, tenantID string, channelType channel.Type, to string, reply flow.Reply) error
}

// Queuer stores an undeliverable response marker for a later drain.
type Queuer interface {
	Enqueue(ctx context.Context, tenantID, conversationID, contactAddress string) error
}

// Processor is the inbound message pipeline. Handle matches
// channel.InboundHandler so the manager binds it directly.
type Processor struct {
	log           *slog.Logger
	graphs        graph.Store
	conversations conversation.Store
	locks         *conversation.Locks
	engine        Decider
	dispatcher    Deliverer
	queue         Queuer
	events        event.Publisher
}

func NewProcessor(
	log *slog.Logger,
	graphs graph.Store,
	conversations conversation.Store,
	locks *conversation.Locks,
	engine Decider,
	dispatcher Deliverer,
	queue Queuer,
	events event.Publisher,
) *Processor {
	return &Processor{
		log:           log.With(slog.String("component", "inbound")),
		graphs:        graphs,
		conversations: conversations,
		locks:         locks,
		engine:        engine,
		dispatcher:    dispatcher,
		queue:         queue,
		events:        events,
	}
}

// Handle processes one contact message end to end. Errors are logged,
// never returned: the transport already acknowledged the message and
// there is nobody upstream to retry.
func (p *Processor) Handle(ctx context.Context, msg channel.InboundMessage) {
	if msg.IsEmpty() {
		p.log.Debug("empty inbound dropped",
			slog.String("tenant_id", msg.TenantID),
			slog.String("channel", string(msg.Channel)))
		return
	}

	g, err := p.graphs.DefaultGraph(ctx, msg.TenantID)
	if err != nil {
		p.log.Error("no default graph for tenant",
			slog.String("tenant_id", msg.TenantID),
			slog.Any("error", err))
		return
	}

	conv, created, err := p.conversations.GetOrCreate(ctx, msg.TenantID, msg.From, string(msg.Channel), g.ID)
	if err != nil {
		p.log.Error("conversation lookup failed",
			slog.String("tenant_id", msg.TenantID),
			slog.String("contact", msg.From),
			slog.Any("error", err))
		return
	}
	if created {
		p.log.Info("conversation started",
			slog.String("conversation_id", conv.ID),
			slog.String("tenant_id", msg.TenantID),
			slog.String("contact", msg.From))
	}

	release := p.locks.Acquire(conv.ID)
	defer release()

	// Another message for the same conversation may have moved the
	// cursor while we waited on the lock.
	if fresh, err := p.conversations.Get(ctx, conv.ID); err == nil {
		conv = fresh
	}

	decision := p.engine.Decide(ctx, conv, msg.Input())

	if decision.Moved {
		if err := p.conversations.UpdateCursor(ctx, conv.ID, decision.NextNodeID); err != nil {
			p.log.Error("update cursor failed",
				slog.String("conversation_id", conv.ID),
				slog.String("node_id", decision.NextNodeID),
				slog.Any("error", err))
			return
		}
	} else if err := p.conversations.Touch(ctx, conv.ID); err != nil {
		p.log.Warn("touch conversation failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
	}

	diverted := p.deliver(ctx, msg, conv, decision.Reply)
	p.applyOutcome(ctx, conv, decision, diverted)
}

// deliver sends the reply, diverting to the pending queue when the
// channel is down. Reports whether the reply was diverted.
func (p *Processor) deliver(ctx context.Context, msg channel.InboundMessage, conv conversation.Conversation, reply flow.Reply) bool {
	if reply.IsEmpty() {
		return false
	}
	err := p.dispatcher.Deliver(ctx, msg.TenantID, msg.Channel, conv.ContactAddress, reply)
	if err == nil {
		return false
	}
	if errors.Is(err, channel.ErrNotConnected) {
		if qErr := p.queue.Enqueue(ctx, msg.TenantID, conv.ID, conv.ContactAddress); qErr != nil {
			p.log.Error("queue pending response failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", qErr))
			return false
		}
		return true
	}
	p.log.Error("reply delivery failed",
		slog.String("conversation_id", conv.ID),
		slog.String("channel", string(msg.Channel)),
		slog.Any("error", err))
	return false
}

// applyOutcome records the decision's terminal effects: escalation,
// completion, action hooks. A diverted reply keeps a finishing
// conversation open so the pending drain can still deliver it; the
// reaper closes it eventually either way.
func (p *Processor) applyOutcome(ctx context.Context, conv conversation.Conversation, decision flow.Decision, diverted bool) {
	if decision.ActionNodeID != "" {
		p.publish(event.TypeActionRequested, conv.TenantID, map[string]string{
			"conversation_id": conv.ID,
			"node_id":         decision.ActionNodeID,
		})
	}

	switch {
	case decision.Escalated:
		if conv.Status == conversation.StatusEscalated {
			return
		}
		if err := p.conversations.SetStatus(ctx, conv.ID, conversation.StatusEscalated, "hand_off"); err != nil {
			p.log.Error("escalate conversation failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
			return
		}
		p.log.Info("conversation escalated", slog.String("conversation_id", conv.ID))
		p.publish(event.TypeConversationEscalated, conv.TenantID, map[string]string{
			"conversation_id": conv.ID,
			"contact_address": conv.ContactAddress,
		})
	case decision.Finished && !diverted:
		if err := p.conversations.SetStatus(ctx, conv.ID, conversation.StatusFinished, "flow_completed"); err != nil {
			p.log.Error("finish conversation failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
			return
		}
		p.log.Info("conversation finished", slog.String("conversation_id", conv.ID))
		p.publish(event.TypeConversationFinished, conv.TenantID, map[string]string{
			"conversation_id": conv.ID,
			"contact_address": conv.ContactAddress,
			"reason":          "flow_completed",
		})
	}
}

func (p *Processor) publish(kind event.Type, tenantID string, data map[string]string) {
	if p.events == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	p.events.Publish(event.Event{Type: kind, TenantID: tenantID, Data: payload})
}
