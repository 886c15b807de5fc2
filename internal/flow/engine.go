package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/botwalk/botwalk/internal/conversation"
	"github.com/botwalk/botwalk/internal/graph"
)

const (
	// fallbackGreeting answers contacts whose cursor points at a node
	// that no longer exists. The condition is recoverable, the contact
	// must still get a reply.
	fallbackGreeting = "Hi! Thanks for reaching out. How can we help you today?"
	// handOffNotice is the default escalation text when the node
	// carries none of its own.
	handOffNotice = "One moment please, we are connecting you with a member of our team."

	conditionContainsPrefix = "contains:"
	conditionEqualsPrefix   = "equals:"
)

// Engine resolves inbound input against the conversation graph.
type Engine struct {
	store graph.Store
	log   *slog.Logger
}

func NewEngine(log *slog.Logger, store graph.Store) *Engine {
	return &Engine{
		store: store,
		log:   log.With(slog.String("component", "flow")),
	}
}

// Decide resolves rawInput at the conversation's cursor and returns
// the reply plus the new cursor. A conversation without a cursor is
// entered at the graph's start node regardless of input.
func (e *Engine) Decide(ctx context.Context, conv conversation.Conversation, rawInput string) Decision {
	if conv.CurrentNodeID == "" {
		return e.enter(ctx, conv)
	}

	node, err := e.store.Node(ctx, conv.CurrentNodeID)
	if err != nil {
		e.log.Warn("cursor node unavailable",
			slog.String("conversation_id", conv.ID),
			slog.String("node_id", conv.CurrentNodeID),
			slog.Any("error", err))
		return e.fallback()
	}

	switch node.Kind {
	case graph.KindOption:
		return e.decideOption(ctx, conv, node, rawInput)
	case graph.KindInput, graph.KindCondition:
		return e.decideInput(ctx, conv, node, rawInput)
	case graph.KindEscalation:
		// Already handed off; repeat the notice without moving.
		return e.rerender(ctx, node)
	default:
		return e.decidePassthrough(ctx, conv, node)
	}
}

// Render regenerates the response for the conversation's current
// position without consuming input. The pending-response drain uses it
// so a delayed first contact reflects the cursor as it stands now.
func (e *Engine) Render(ctx context.Context, conv conversation.Conversation) Decision {
	if conv.CurrentNodeID == "" {
		return e.enter(ctx, conv)
	}
	node, err := e.store.Node(ctx, conv.CurrentNodeID)
	if err != nil {
		e.log.Warn("cursor node unavailable",
			slog.String("conversation_id", conv.ID),
			slog.String("node_id", conv.CurrentNodeID),
			slog.Any("error", err))
		return e.fallback()
	}
	return e.rerender(ctx, node)
}

// enter starts the walk at the graph's start node.
func (e *Engine) enter(ctx context.Context, conv conversation.Conversation) Decision {
	start, err := e.store.StartNode(ctx, conv.GraphID)
	if err != nil {
		e.log.Warn("start node unavailable",
			slog.String("conversation_id", conv.ID),
			slog.String("graph_id", conv.GraphID),
			slog.Any("error", err))
		return e.fallback()
	}
	return e.arriveAt(ctx, start)
}

// decideOption runs the input resolution ladder over the node's
// options: button payload, 1-based ordinal, text equality, substring.
func (e *Engine) decideOption(ctx context.Context, conv conversation.Conversation, node graph.Node, rawInput string) Decision {
	options, err := e.store.Options(ctx, node.ID)
	if err != nil {
		e.log.Warn("options unavailable",
			slog.String("node_id", node.ID), slog.Any("error", err))
		return e.fallback()
	}

	matched, ok := resolveOption(options, rawInput)
	if !ok {
		return e.rerender(ctx, node)
	}

	targetID := matched.TargetNodeID
	if targetID == "" {
		targetID = e.targetByOptionEdge(ctx, node.ID, matched.ID)
	}
	if targetID == "" {
		// A selectable option with no outgoing route is a graph bug;
		// treat it as no match so the contact is not left hanging.
		e.log.Warn("option has no target",
			slog.String("node_id", node.ID),
			slog.String("option_id", matched.ID))
		return e.rerender(ctx, node)
	}

	return e.advanceTo(ctx, conv, targetID)
}

// decideInput routes on condition edges: first satisfied conditional
// edge wins, the condition-less edge is the default.
func (e *Engine) decideInput(ctx context.Context, conv conversation.Conversation, node graph.Node, rawInput string) Decision {
	edges, err := e.store.EdgesFrom(ctx, node.ID)
	if err != nil {
		e.log.Warn("edges unavailable",
			slog.String("node_id", node.ID), slog.Any("error", err))
		return e.fallback()
	}

	var defaultTarget string
	for _, edge := range edges {
		cond := strings.TrimSpace(edge.Condition)
		if cond == "" {
			if defaultTarget == "" {
				defaultTarget = edge.TargetNodeID
			}
			continue
		}
		if matchCondition(cond, rawInput) {
			return e.advanceTo(ctx, conv, edge.TargetNodeID)
		}
	}
	if defaultTarget != "" {
		return e.advanceTo(ctx, conv, defaultTarget)
	}
	return e.rerender(ctx, node)
}

// decidePassthrough advances message and action nodes along their
// default edge on any input.
func (e *Engine) decidePassthrough(ctx context.Context, conv conversation.Conversation, node graph.Node) Decision {
	edges, err := e.store.EdgesFrom(ctx, node.ID)
	if err != nil {
		e.log.Warn("edges unavailable",
			slog.String("node_id", node.ID), slog.Any("error", err))
		return e.fallback()
	}
	for _, edge := range edges {
		if strings.TrimSpace(edge.Condition) == "" {
			return e.advanceTo(ctx, conv, edge.TargetNodeID)
		}
	}
	if node.IsEnd {
		dec := e.rerender(ctx, node)
		dec.Finished = true
		return dec
	}
	return e.rerender(ctx, node)
}

// advanceTo moves the cursor onto targetID and renders the arrival.
func (e *Engine) advanceTo(ctx context.Context, conv conversation.Conversation, targetID string) Decision {
	target, err := e.store.Node(ctx, targetID)
	if err != nil {
		e.log.Warn("target node unavailable",
			slog.String("conversation_id", conv.ID),
			slog.String("node_id", targetID),
			slog.Any("error", err))
		return e.fallback()
	}
	return e.arriveAt(ctx, target)
}

// arriveAt renders the node just entered and applies the one permitted
// auto-advance: a message node whose default edge leads to an option
// node renders both and lands the cursor on the option node.
func (e *Engine) arriveAt(ctx context.Context, node graph.Node) Decision {
	seg, err := e.renderNode(ctx, node)
	if err != nil {
		return e.fallback()
	}

	dec := Decision{
		Reply:      Reply{Segments: []Segment{seg}},
		NextNodeID: node.ID,
		Moved:      true,
	}

	if node.Kind == graph.KindMessage {
		if next, ok := e.peekOptionFollowup(ctx, node); ok {
			if nextSeg, err := e.renderNode(ctx, next); err == nil {
				dec.Reply.Segments = append(dec.Reply.Segments, nextSeg)
				dec.NextNodeID = next.ID
				node = next
			}
		}
	}

	switch node.Kind {
	case graph.KindEscalation:
		dec.Escalated = true
	case graph.KindAction:
		dec.ActionNodeID = node.ID
	}
	if node.IsEnd {
		dec.Finished = true
	}
	return dec
}

// peekOptionFollowup returns the option node behind a message node's
// default edge, if there is one. At most one hop, never chained.
func (e *Engine) peekOptionFollowup(ctx context.Context, node graph.Node) (graph.Node, bool) {
	edges, err := e.store.EdgesFrom(ctx, node.ID)
	if err != nil {
		return graph.Node{}, false
	}
	for _, edge := range edges {
		if strings.TrimSpace(edge.Condition) != "" {
			continue
		}
		next, err := e.store.Node(ctx, edge.TargetNodeID)
		if err != nil {
			return graph.Node{}, false
		}
		if next.Kind == graph.KindOption {
			return next, true
		}
		return graph.Node{}, false
	}
	return graph.Node{}, false
}

// rerender repeats the node without moving the cursor.
func (e *Engine) rerender(ctx context.Context, node graph.Node) Decision {
	seg, err := e.renderNode(ctx, node)
	if err != nil {
		return e.fallback()
	}
	return Decision{Reply: Reply{Segments: []Segment{seg}}}
}

func (e *Engine) renderNode(ctx context.Context, node graph.Node) (Segment, error) {
	seg := Segment{Text: node.Content, MediaURL: node.MediaURL}

	switch node.Kind {
	case graph.KindOption:
		options, err := e.store.Options(ctx, node.ID)
		if err != nil {
			e.log.Warn("options unavailable",
				slog.String("node_id", node.ID), slog.Any("error", err))
			return Segment{}, err
		}
		seg.Options = make([]OptionItem, 0, len(options))
		for _, opt := range options {
			seg.Options = append(seg.Options, OptionItem{
				Payload: OptionPayload(opt.ID),
				Label:   opt.Label,
			})
		}
	case graph.KindEscalation:
		if strings.TrimSpace(seg.Text) == "" {
			seg.Text = handOffNotice
		}
	}
	return seg, nil
}

func (e *Engine) fallback() Decision {
	return Decision{Reply: Reply{Segments: []Segment{{Text: fallbackGreeting}}}}
}

func (e *Engine) targetByOptionEdge(ctx context.Context, nodeID, optionID string) string {
	edges, err := e.store.EdgesFrom(ctx, nodeID)
	if err != nil {
		e.log.Warn("edges unavailable",
			slog.String("node_id", nodeID), slog.Any("error", err))
		return ""
	}
	for _, edge := range edges {
		if edge.OptionID == optionID {
			return edge.TargetNodeID
		}
	}
	return ""
}

// resolveOption runs the ladder in order, first hit wins: structured
// payload, 1-based number, exact text, substring either direction.
func resolveOption(options []graph.Option, rawInput string) (graph.Option, bool) {
	if len(options) == 0 {
		return graph.Option{}, false
	}

	if id, ok := parseOptionPayload(rawInput); ok {
		for _, opt := range options {
			if opt.ID == id {
				return opt, true
			}
		}
	}

	input := strings.TrimSpace(rawInput)
	if input == "" {
		return graph.Option{}, false
	}

	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}

	lowered := strings.ToLower(input)
	for _, opt := range options {
		if strings.ToLower(strings.TrimSpace(opt.Label)) == lowered {
			return opt, true
		}
	}
	for _, opt := range options {
		label := strings.ToLower(strings.TrimSpace(opt.Label))
		if label == "" {
			continue
		}
		if strings.Contains(label, lowered) || strings.Contains(lowered, label) {
			return opt, true
		}
	}
	return graph.Option{}, false
}

// matchCondition evaluates the two predicate forms of edge conditions.
// Unknown forms never match.
func matchCondition(cond, input string) bool {
	cond = strings.TrimSpace(cond)
	in := strings.ToLower(strings.TrimSpace(input))
	switch {
	case strings.HasPrefix(cond, conditionContainsPrefix):
		kw := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cond, conditionContainsPrefix)))
		return kw != "" && strings.Contains(in, kw)
	case strings.HasPrefix(cond, conditionEqualsPrefix):
		val := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cond, conditionEqualsPrefix)))
		return in == val
	default:
		return false
	}
}
