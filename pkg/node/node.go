// Package node hosts the per-agent message pipeline: ingest, processing,
// FSM dispatch, and outbound fan-out. A Node owns one or more local agents,
// each with its own store and delivery queue; the key manager and resolver
// are shared process-wide.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/decision"
	"github.com/tap-rsvp/tap-go/pkg/delivery"
	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/fsm"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/observability"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Options configure a Node.
type Options struct {
	// Root is the filesystem directory holding per-agent databases.
	Root string
	// SecurityPolicy constrains inbound envelope modes.
	SecurityPolicy didcomm.ModePolicy
	// DeliveryRetryCap overrides the delivery engine attempt budget.
	DeliveryRetryCap int
	// SweepInterval is the expiry sweeper cadence (default 30s, max 60s).
	SweepInterval time.Duration
}

// AgentHandle is one local agent: its DID, store, and delivery engine.
type AgentHandle struct {
	DID     string
	Store   *storage.Store
	Engine  *delivery.Engine
	Handler decision.Handler

	// contexts caches rehydrated FSM contexts per transaction.
	contexts map[string]*fsm.Context
	// txLocks serializes FSM steps per transaction id.
	txLocks sync.Map
	mu      sync.Mutex
}

func (a *AgentHandle) lockTransaction(txID string) *sync.Mutex {
	actual, _ := a.txLocks.LoadOrStore(txID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Node is the router plus its registered agents.
type Node struct {
	opts     Options
	keys     *keys.Manager
	resolver *did.Registry
	codec    *didcomm.Codec
	logger   *slog.Logger

	mu         sync.RWMutex
	agents     map[string]*AgentHandle
	processors []Processor

	// events, when set, receives node events (external handler "all" mode).
	events func(event string, data []byte)

	// obs, when set, records node metrics.
	obs *observability.Provider

	sweepCancel context.CancelFunc
}

// New creates a node. The codec enforces the configured security policy on
// every ingest.
func New(opts Options, km *keys.Manager, resolver *did.Registry, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepInterval <= 0 || opts.SweepInterval > time.Minute {
		opts.SweepInterval = 30 * time.Second
	}
	n := &Node{
		opts:     opts,
		keys:     km,
		resolver: resolver,
		codec:    didcomm.NewCodec(km, resolver, opts.SecurityPolicy),
		logger:   logger,
		agents:   make(map[string]*AgentHandle),
	}
	n.processors = []Processor{
		&TravelRuleProcessor{logger: logger},
		&CustomerExtractionProcessor{logger: logger},
	}
	return n
}

// RegisterAgent opens the agent's store and wires its delivery engine. The
// handler consumes the agent's decisions; nil selects log-only.
func (n *Node) RegisterAgent(agentDID string, handler decision.Handler) (*AgentHandle, error) {
	if !n.keys.Has(agentDID) {
		return nil, taperr.New(taperr.KindUnknownKey, "no local key for agent %s", agentDID)
	}

	store, err := storage.Open(n.opts.Root, agentDID, n.logger)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = decision.NewLogOnlyHandler(n.logger)
	}

	a := &AgentHandle{
		DID:      agentDID,
		Store:    store,
		Handler:  handler,
		contexts: make(map[string]*fsm.Context),
	}
	a.Engine = delivery.NewEngine(store, n.internalDeliverer(), delivery.Options{
		MaxAttempts: n.opts.DeliveryRetryCap,
		ShouldAbort: n.abortChecker(a),
	}, n.logger)

	n.mu.Lock()
	n.agents[agentDID] = a
	n.mu.Unlock()
	n.logger.Info("node: agent registered", "did", agentDID)
	return a, nil
}

// RegisterAgentWithStore wires an agent over an existing store. Used by
// tests running on in-memory databases.
func (n *Node) RegisterAgentWithStore(agentDID string, store *storage.Store, handler decision.Handler) *AgentHandle {
	if handler == nil {
		handler = decision.NewLogOnlyHandler(n.logger)
	}
	a := &AgentHandle{
		DID:      agentDID,
		Store:    store,
		Handler:  handler,
		contexts: make(map[string]*fsm.Context),
	}
	a.Engine = delivery.NewEngine(store, n.internalDeliverer(), delivery.Options{
		MaxAttempts: n.opts.DeliveryRetryCap,
		ShouldAbort: n.abortChecker(a),
	}, n.logger)

	n.mu.Lock()
	n.agents[agentDID] = a
	n.mu.Unlock()
	return a
}

// Resolver exposes the node's DID resolver registry.
func (n *Node) Resolver() *did.Registry { return n.resolver }

// Agent returns a registered agent handle.
func (n *Node) Agent(agentDID string) (*AgentHandle, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.agents[agentDID]
	return a, ok
}

// Agents lists registered agent DIDs.
func (n *Node) Agents() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.agents))
	for d := range n.agents {
		out = append(out, d)
	}
	return out
}

// AddProcessor appends a user processor to the chain.
func (n *Node) AddProcessor(p Processor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processors = append(n.processors, p)
}

// SetObservability wires metric recording.
func (n *Node) SetObservability(p *observability.Provider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.obs = p
}

func (n *Node) recordIngest(ctx context.Context, outcome string) {
	n.mu.RLock()
	obs := n.obs
	n.mu.RUnlock()
	if obs != nil {
		obs.RecordIngest(ctx, outcome)
	}
}

func (n *Node) recordTransition(ctx context.Context, state fsm.State) {
	n.mu.RLock()
	obs := n.obs
	n.mu.RUnlock()
	if obs != nil {
		obs.RecordTransition(ctx, string(state))
	}
}

// SetEventNotifier wires node events to an observer (the external decision
// process in "all" mode).
func (n *Node) SetEventNotifier(fn func(event string, data []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = fn
}

func (n *Node) notifyEvent(event string, data []byte) {
	n.mu.RLock()
	fn := n.events
	n.mu.RUnlock()
	if fn != nil {
		fn(event, data)
	}
}

// internalDeliverer routes engine-internal deliveries back into Deliver.
func (n *Node) internalDeliverer() delivery.InternalDeliverer {
	return func(ctx context.Context, recipientDID string, raw []byte) error {
		return n.Deliver(ctx, recipientDID, raw, storage.SourceTypeInternal, "")
	}
}

// abortChecker lazily aborts stale deliveries whose transaction reached a
// terminal state. The message that caused the terminal state (Reject,
// Cancel, Settle, Revert) still goes out, as does anything on a confirmed
// transaction.
func (n *Node) abortChecker(a *AgentHandle) func(*storage.Delivery) bool {
	return func(d *storage.Delivery) bool {
		msg, err := a.Store.GetMessage(context.Background(), d.MessageID, storage.DirectionOutgoing)
		if err != nil {
			return false
		}
		switch msg.MessageType {
		case message.TypeReject, message.TypeCancel, message.TypeSettle,
			message.TypeRevert, message.TypeError:
			return false
		}
		ref := msg.ThreadID
		if ref == "" {
			ref = msg.MessageID
		}
		tx, err := a.Store.GetTransaction(context.Background(), ref)
		if err != nil {
			return false
		}
		return tx.Status.Terminal() && tx.Status != storage.TransactionStatusConfirmed
	}
}

// Start spawns every agent's delivery engine and the expiry sweeper.
func (n *Node) Start(ctx context.Context) {
	n.mu.RLock()
	agents := make([]*AgentHandle, 0, len(n.agents))
	for _, a := range n.agents {
		agents = append(agents, a)
	}
	n.mu.RUnlock()

	for _, a := range agents {
		go a.Engine.Run(ctx)
	}

	sctx, cancel := context.WithCancel(ctx)
	n.sweepCancel = cancel
	go n.runSweeper(sctx)
}

// Close stops background work and closes every store.
func (n *Node) Close() {
	if n.sweepCancel != nil {
		n.sweepCancel()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.agents {
		a.Engine.Close()
		_ = a.Store.Close()
	}
}
