package decision

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// SubscribeMode selects what the external process receives.
type SubscribeMode string

const (
	SubscribeDecisions SubscribeMode = "decisions"
	SubscribeAll       SubscribeMode = "all"
)

// ToolFunc serves a tools/call from the external process.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ExternalProcessHandler streams decisions to a child process over
// line-delimited JSON-RPC on its stdio and writes resolutions back to the
// store.
type ExternalProcessHandler struct {
	store     *storage.Store
	agentDIDs []string
	mode      SubscribeMode
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	stdin   io.Writer
	pending map[int64]chan *rpcResponse
	nextID  atomic.Int64

	toolsMu sync.RWMutex
	tools   map[string]ToolFunc
}

// NewExternalProcessHandler creates a handler. The response timeout
// defaults to 120s; after it the decision stays delivered, awaiting a later
// resolution.
func NewExternalProcessHandler(store *storage.Store, agentDIDs []string, mode SubscribeMode, logger *slog.Logger) *ExternalProcessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = SubscribeDecisions
	}
	return &ExternalProcessHandler{
		store:     store,
		agentDIDs: agentDIDs,
		mode:      mode,
		timeout:   120 * time.Second,
		logger:    logger,
		pending:   make(map[int64]chan *rpcResponse),
		tools:     make(map[string]ToolFunc),
	}
}

// RegisterTool exposes a tool to the external process via tools/call.
func (h *ExternalProcessHandler) RegisterTool(name string, fn ToolFunc) {
	h.toolsMu.Lock()
	defer h.toolsMu.Unlock()
	h.tools[name] = fn
}

// Start spawns the external command and keeps it attached until ctx ends,
// restarting with a fixed delay if the child exits.
func (h *ExternalProcessHandler) Start(ctx context.Context, command string, args ...string) {
	go func() {
		for ctx.Err() == nil {
			if err := h.runOnce(ctx, command, args...); err != nil && ctx.Err() == nil {
				h.logger.Error("external decision: process exited", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()
}

func (h *ExternalProcessHandler) runOnce(ctx context.Context, command string, args ...string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command, err)
	}
	h.Attach(ctx, stdin, stdout)
	return cmd.Wait()
}

// Attach wires the handler to a connected peer's streams, sends
// tap/initialize, replays open decisions, and reads until stdout closes.
// Exposed separately from Start so tests can drive it with pipes.
func (h *ExternalProcessHandler) Attach(ctx context.Context, stdin io.Writer, stdout io.Reader) {
	h.mu.Lock()
	h.stdin = stdin
	h.mu.Unlock()

	h.notify("tap/initialize", initializeParams{
		AgentDIDs: h.agentDIDs,
		Subscribe: string(h.mode),
		Version:   "1.0",
	})
	h.replayOpenDecisions(ctx)
	h.readLoop(ctx, stdout)

	h.mu.Lock()
	h.stdin = nil
	h.mu.Unlock()
}

// replayOpenDecisions re-sends everything pending or delivered so a
// restarted child sees the full backlog.
func (h *ExternalProcessHandler) replayOpenDecisions(ctx context.Context) {
	for _, status := range []storage.DecisionStatus{storage.DecisionStatusPending, storage.DecisionStatusDelivered} {
		rows, err := h.store.ListDecisions(ctx, storage.DecisionFilters{Status: status})
		if err != nil {
			h.logger.Error("external decision: replay listing failed", "error", err)
			continue
		}
		for _, d := range rows {
			go h.sendDecision(ctx, d)
		}
	}
}

// HandleDecision forwards a fresh decision to the child.
func (h *ExternalProcessHandler) HandleDecision(ctx context.Context, d *storage.Decision) error {
	go h.sendDecision(ctx, d)
	return nil
}

// NotifyEvent forwards a node event in "all" mode.
func (h *ExternalProcessHandler) NotifyEvent(event string, data json.RawMessage) {
	if h.mode != SubscribeAll {
		return
	}
	h.notify("tap/event", eventParams{Event: event, Data: data})
}

func (h *ExternalProcessHandler) sendDecision(ctx context.Context, d *storage.Decision) {
	id := h.nextID.Add(1)
	respCh := make(chan *rpcResponse, 1)
	h.mu.Lock()
	if h.stdin == nil {
		h.mu.Unlock()
		return
	}
	h.pending[id] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	line, err := newRequest(id, "tap/decision", decisionParams{
		DecisionID:    d.ID,
		TransactionID: d.TransactionID,
		AgentDID:      d.AgentDID,
		DecisionType:  string(d.DecisionType),
		Context:       d.Context,
	})
	if err != nil {
		h.logger.Error("external decision: marshal request", "error", err)
		return
	}
	if !h.writeLine(line) {
		return
	}
	if err := h.store.UpdateDecisionStatus(ctx, d.ID, storage.DecisionStatusDelivered, "", nil); err != nil &&
		!taperr.Is(err, taperr.KindNotFound) {
		h.logger.Error("external decision: mark delivered", "decision_id", d.ID, "error", err)
	}

	select {
	case resp := <-respCh:
		h.applyResolution(ctx, d, resp)
	case <-time.After(h.timeout):
		// The decision stays delivered; a later resolution can still
		// arrive through a replay round.
		h.logger.Warn("external decision: response timeout", "decision_id", d.ID)
	case <-ctx.Done():
	}
}

func (h *ExternalProcessHandler) applyResolution(ctx context.Context, d *storage.Decision, resp *rpcResponse) {
	if resp.Error != nil {
		h.logger.Warn("external decision: error response",
			"decision_id", d.ID, "code", resp.Error.Code, "message", resp.Error.Message)
		return
	}
	var res Resolution
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		h.logger.Error("external decision: bad resolution", "decision_id", d.ID, "error", err)
		return
	}
	if !ValidAction(res.Action) {
		h.logger.Error("external decision: unknown action", "decision_id", d.ID, "action", res.Action)
		return
	}
	if res.Action == ActionDefer {
		return
	}
	if err := h.store.UpdateDecisionStatus(ctx, d.ID, storage.DecisionStatusResolved, res.Action, res.Detail); err != nil {
		h.logger.Error("external decision: record resolution", "decision_id", d.ID, "error", err)
		return
	}
	h.logger.Info("external decision: resolved",
		"decision_id", d.ID, "transaction_id", d.TransactionID, "action", res.Action)
}

func (h *ExternalProcessHandler) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Method string `json:"method"`
			ID     *int64 `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			h.logger.Warn("external decision: unparseable line from child")
			continue
		}
		if probe.Method != "" {
			h.handleChildRequest(ctx, line)
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			h.logger.Warn("external decision: unrecognized message from child")
			continue
		}
		h.mu.Lock()
		ch, ok := h.pending[*resp.ID]
		h.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (h *ExternalProcessHandler) handleChildRequest(ctx context.Context, line []byte) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	switch req.Method {
	case "tools/list":
		h.toolsMu.RLock()
		names := make([]map[string]string, 0, len(h.tools))
		for name := range h.tools {
			names = append(names, map[string]string{"name": name})
		}
		h.toolsMu.RUnlock()
		h.respond(req.ID, map[string]any{"tools": names})
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		h.toolsMu.RLock()
		fn, ok := h.tools[params.Name]
		h.toolsMu.RUnlock()
		if !ok {
			h.respond(req.ID, map[string]any{
				"content": []map[string]string{{"type": "text", "text": "unknown tool " + params.Name}},
				"isError": true,
			})
			return
		}
		result, err := fn(ctx, params.Arguments)
		if err != nil {
			h.respond(req.ID, map[string]any{
				"content": []map[string]string{{"type": "text", "text": err.Error()}},
				"isError": true,
			})
			return
		}
		h.respond(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(result)}},
			"isError": false,
		})
	default:
		// tap/ready and other notifications need no reply.
		if req.ID != nil {
			h.respond(req.ID, map[string]any{})
		}
	}
}

func (h *ExternalProcessHandler) respond(id *int64, result any) {
	line, err := newResponse(id, result)
	if err != nil {
		h.logger.Error("external decision: marshal response", "error", err)
		return
	}
	h.writeLine(line)
}

func (h *ExternalProcessHandler) notify(method string, params any) {
	line, err := newNotification(method, params)
	if err != nil {
		h.logger.Error("external decision: marshal notification", "error", err)
		return
	}
	h.writeLine(line)
}

func (h *ExternalProcessHandler) writeLine(line []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return false
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		h.logger.Debug("external decision: write failed (child down?)", "error", err)
		return false
	}
	return true
}
