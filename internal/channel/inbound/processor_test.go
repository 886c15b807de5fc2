package inbound

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/botwalk/botwalk/internal/channel"
	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/event"
	"github.com/botwalk/botwalk/internal/flow"
	"github.com/botwalk/botwalk/internal/graph"
)

const (
	procTenant  = "tenant-1"
	procConv    = "conv-1"
	procContact = "5511999@c.us"
)

type fakeGraphStore struct {
	graph.Store
	defaultErr error
}

func (s *fakeGraphStore) DefaultGraph(_ context.Context, tenantID string) (graph.Graph, error) {
	if s.defaultErr != nil {
		return graph.Graph{}, s.defaultErr
	}
	return graph.Graph{ID: "graph-1", TenantID: tenantID, IsDefault: true}, nil
}

type fakeConvStore struct {
	conv       conversation.Conversation
	created    bool
	getConv    *conversation.Conversation
	cursors    []string
	touches    int
	statuses   []string
	statusErr  error
	getOrCalls int
}

func (s *fakeConvStore) Get(context.Context, string) (conversation.Conversation, error) {
	if s.getConv != nil {
		return *s.getConv, nil
	}
	return s.conv, nil
}

func (s *fakeConvStore) GetOrCreate(context.Context, string, string, string, string) (conversation.Conversation, bool, error) {
	s.getOrCalls++
	return s.conv, s.created, nil
}

func (s *fakeConvStore) UpdateCursor(_ context.Context, _, nodeID string) error {
	s.cursors = append(s.cursors, nodeID)
	return nil
}

func (s *fakeConvStore) Touch(context.Context, string) error {
	s.touches++
	return nil
}

func (s *fakeConvStore) SetStatus(_ context.Context, _ string, status conversation.Status, reason string) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses = append(s.statuses, string(status)+":"+reason)
	return nil
}

func (s *fakeConvStore) ListIdleActive(context.Context, time.Time, int) ([]conversation.Conversation, error) {
	return nil, nil
}

type fakeDecider struct {
	decision flow.Decision
	seen     []conversation.Conversation
	inputs   []string
}

func (d *fakeDecider) Decide(_ context.Context, conv conversation.Conversation, rawInput string) flow.Decision {
	d.seen = append(d.seen, conv)
	d.inputs = append(d.inputs, rawInput)
	return d.decision
}

type fakeDeliverer struct {
	err       error
	delivered []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ string, _ channel.Type, to string, reply flow.Reply) error {
	if d.err != nil {
		return d.err
	}
	for _, seg := range reply.Segments {
		d.delivered = append(d.delivered, to+": "+seg.Text)
	}
	return nil
}

type fakeQueue struct {
	queued []string
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, _, conversationID, _ string) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, conversationID)
	return nil
}

type capturePublisher struct {
	events []event.Event
}

func (p *capturePublisher) Publish(evt event.Event) { p.events = append(p.events, evt) }

func (p *capturePublisher) ofType(kind event.Type) []event.Event {
	var out []event.Event
	for _, evt := range p.events {
		if evt.Type == kind {
			out = append(out, evt)
		}
	}
	return out
}

type procFixture struct {
	proc       *Processor
	convs      *fakeConvStore
	decider    *fakeDecider
	dispatcher *fakeDeliverer
	queue      *fakeQueue
	events     *capturePublisher
}

func newFixture(decision flow.Decision) *procFixture {
	f := &procFixture{
		convs: &fakeConvStore{
			conv: conversation.Conversation{
				ID:             procConv,
				TenantID:       procTenant,
				ContactAddress: procContact,
				ChannelType:    "wagate",
				GraphID:        "graph-1",
				Status:         conversation.StatusActive,
			},
		},
		decider:    &fakeDecider{decision: decision},
		dispatcher: &fakeDeliverer{},
		queue:      &fakeQueue{},
		events:     &capturePublisher{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.proc = NewProcessor(log, &fakeGraphStore{}, f.convs, conversation.NewLocks(), f.decider, f.dispatcher, f.queue, f.events)
	return f
}

func inboundText(text string) channel.InboundMessage {
	return channel.InboundMessage{
		Channel:  "wagate",
		TenantID: procTenant,
		From:     procContact,
		Text:     text,
	}
}

func TestHandleDecidesAndDelivers(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:      flow.Reply{Segments: []flow.Segment{{Text: "Welcome!"}}},
		NextNodeID: "node-2",
		Moved:      true,
	})

	f.proc.Handle(context.Background(), inboundText("hello"))

	if len(f.decider.inputs) != 1 || f.decider.inputs[0] != "hello" {
		t.Fatalf("decider inputs: %v", f.decider.inputs)
	}
	if len(f.convs.cursors) != 1 || f.convs.cursors[0] != "node-2" {
		t.Fatalf("cursor updates: %v", f.convs.cursors)
	}
	if len(f.dispatcher.delivered) != 1 || f.dispatcher.delivered[0] != procContact+": Welcome!" {
		t.Fatalf("delivered: %v", f.dispatcher.delivered)
	}
	if f.convs.touches != 0 {
		t.Fatalf("expected no touch when cursor moved, got %d", f.convs.touches)
	}
}

func TestHandlePrefersButtonPayload(t *testing.T) {
	f := newFixture(flow.Decision{})

	msg := inboundText("ignored text")
	msg.Payload = "opt:abc"
	f.proc.Handle(context.Background(), msg)

	if len(f.decider.inputs) != 1 || f.decider.inputs[0] != "opt:abc" {
		t.Fatalf("decider inputs: %v", f.decider.inputs)
	}
}

func TestHandleDropsEmptyMessage(t *testing.T) {
	f := newFixture(flow.Decision{})

	f.proc.Handle(context.Background(), inboundText("   "))

	if f.convs.getOrCalls != 0 {
		t.Fatalf("expected no conversation lookup, got %d", f.convs.getOrCalls)
	}
	if len(f.decider.inputs) != 0 {
		t.Fatalf("decider should not run for empty input")
	}
}

func TestHandleTouchesWhenNotMoved(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply: flow.Reply{Segments: []flow.Segment{{Text: "Please pick one of the options."}}},
	})

	f.proc.Handle(context.Background(), inboundText("gibberish"))

	if len(f.convs.cursors) != 0 {
		t.Fatalf("cursor must not move: %v", f.convs.cursors)
	}
	if f.convs.touches != 1 {
		t.Fatalf("expected one touch, got %d", f.convs.touches)
	}
}

func TestHandleUsesFreshCursorUnderLock(t *testing.T) {
	f := newFixture(flow.Decision{})
	moved := f.convs.conv
	moved.CurrentNodeID = "node-7"
	f.convs.getConv = &moved

	f.proc.Handle(context.Background(), inboundText("hi"))

	if len(f.decider.seen) != 1 || f.decider.seen[0].CurrentNodeID != "node-7" {
		t.Fatalf("decider saw stale conversation: %+v", f.decider.seen)
	}
}

func TestHandleDivertsToPendingWhenChannelDown(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:      flow.Reply{Segments: []flow.Segment{{Text: "Bye!"}}},
		NextNodeID: "end-node",
		Moved:      true,
		Finished:   true,
	})
	f.dispatcher.err = channel.ErrNotConnected

	f.proc.Handle(context.Background(), inboundText("bye"))

	if len(f.queue.queued) != 1 || f.queue.queued[0] != procConv {
		t.Fatalf("queued: %v", f.queue.queued)
	}
	// The final reply is still owed; the conversation stays open so
	// the pending drain can deliver it.
	if len(f.convs.statuses) != 0 {
		t.Fatalf("conversation must not finish while reply is queued: %v", f.convs.statuses)
	}
	// Cursor still advanced so the drain regenerates the right node.
	if len(f.convs.cursors) != 1 || f.convs.cursors[0] != "end-node" {
		t.Fatalf("cursor updates: %v", f.convs.cursors)
	}
}

func TestHandleFinishesOnEndNode(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:      flow.Reply{Segments: []flow.Segment{{Text: "Thanks, goodbye!"}}},
		NextNodeID: "end-node",
		Moved:      true,
		Finished:   true,
	})

	f.proc.Handle(context.Background(), inboundText("bye"))

	if len(f.convs.statuses) != 1 || f.convs.statuses[0] != "finished:flow_completed" {
		t.Fatalf("statuses: %v", f.convs.statuses)
	}
	if got := f.events.ofType(event.TypeConversationFinished); len(got) != 1 {
		t.Fatalf("finished events: %d", len(got))
	}
}

func TestHandleEscalates(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:      flow.Reply{Segments: []flow.Segment{{Text: "Connecting you with our team."}}},
		NextNodeID: "esc-node",
		Moved:      true,
		Escalated:  true,
	})

	f.proc.Handle(context.Background(), inboundText("agent please"))

	if len(f.convs.statuses) != 1 || f.convs.statuses[0] != "escalated:hand_off" {
		t.Fatalf("statuses: %v", f.convs.statuses)
	}
	if got := f.events.ofType(event.TypeConversationEscalated); len(got) != 1 {
		t.Fatalf("escalated events: %d", len(got))
	}
}

func TestHandleSkipsRepeatEscalation(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:     flow.Reply{Segments: []flow.Segment{{Text: "Still with you."}}},
		Escalated: true,
	})
	f.convs.conv.Status = conversation.StatusEscalated

	f.proc.Handle(context.Background(), inboundText("hello?"))

	if len(f.convs.statuses) != 0 {
		t.Fatalf("no transition expected, got %v", f.convs.statuses)
	}
	if got := f.events.ofType(event.TypeConversationEscalated); len(got) != 0 {
		t.Fatalf("escalated events: %d", len(got))
	}
	// The notice still goes out.
	if len(f.dispatcher.delivered) != 1 {
		t.Fatalf("delivered: %v", f.dispatcher.delivered)
	}
}

func TestHandlePublishesActionEvent(t *testing.T) {
	f := newFixture(flow.Decision{
		Reply:        flow.Reply{Segments: []flow.Segment{{Text: "On it."}}},
		NextNodeID:   "action-node",
		Moved:        true,
		ActionNodeID: "action-node",
	})

	f.proc.Handle(context.Background(), inboundText("do it"))

	got := f.events.ofType(event.TypeActionRequested)
	if len(got) != 1 {
		t.Fatalf("action events: %d", len(got))
	}
	if got[0].TenantID != procTenant {
		t.Fatalf("tenant: %s", got[0].TenantID)
	}
}

func TestHandleGraphLookupFailureStopsPipeline(t *testing.T) {
	f := newFixture(flow.Decision{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.proc = NewProcessor(log, &fakeGraphStore{defaultErr: graph.ErrGraphNotFound},
		f.convs, conversation.NewLocks(), f.decider, f.dispatcher, f.queue, f.events)

	f.proc.Handle(context.Background(), inboundText("hi"))

	if f.convs.getOrCalls != 0 {
		t.Fatalf("conversation lookup should not run without a graph")
	}
}
