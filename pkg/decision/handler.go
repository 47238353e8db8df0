// Package decision externalizes the FSM's choice points. The FSM only ever
// writes Decision rows; handlers consume them and write resolutions back,
// which a router tick translates into outbound messages.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Actions a resolution may carry.
const (
	ActionAuthorize      = "authorize"
	ActionReject         = "reject"
	ActionSettle         = "settle"
	ActionCancel         = "cancel"
	ActionPresent        = "present"
	ActionDefer          = "defer"
	ActionUpdatePolicies = "update_policies"
)

// ValidAction reports whether a resolution action is known.
func ValidAction(a string) bool {
	switch a {
	case ActionAuthorize, ActionReject, ActionSettle, ActionCancel,
		ActionPresent, ActionDefer, ActionUpdatePolicies:
		return true
	}
	return false
}

// Resolution is a handler's answer to a decision.
type Resolution struct {
	Action string          `json:"action"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Handler consumes freshly inserted decisions. Handlers must not block the
// router: slow paths deliver asynchronously and resolve later via the store.
type Handler interface {
	HandleDecision(ctx context.Context, d *storage.Decision) error
}

// LogOnlyHandler leaves decisions pending for poll-based external
// integration. The row insert already happened; there is nothing to do.
type LogOnlyHandler struct {
	logger *slog.Logger
}

// NewLogOnlyHandler creates the poll-mode handler.
func NewLogOnlyHandler(logger *slog.Logger) *LogOnlyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOnlyHandler{logger: logger}
}

func (h *LogOnlyHandler) HandleDecision(_ context.Context, d *storage.Decision) error {
	h.logger.Debug("decision: logged for polling",
		"decision_id", d.ID, "transaction_id", d.TransactionID, "type", d.DecisionType)
	return nil
}

// LocalPolicyHandler resolves decisions with a CEL predicate evaluated over
// the decision row. Used in tests and auto-approve deployments.
type LocalPolicyHandler struct {
	store   *storage.Store
	program cel.Program
	logger  *slog.Logger
}

// NewLocalPolicyHandler compiles the predicate. The expression sees
// `decision_type` (string), `transaction_id` (string), `agent_did` (string)
// and `context` (dyn). An empty expression approves everything.
func NewLocalPolicyHandler(store *storage.Store, expression string, logger *slog.Logger) (*LocalPolicyHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if expression == "" {
		expression = "true"
	}
	env, err := cel.NewEnv(
		cel.Variable("decision_type", cel.StringType),
		cel.Variable("transaction_id", cel.StringType),
		cel.Variable("agent_did", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, taperr.Wrap(taperr.KindValidation, issues.Err(), "compile policy expression")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &LocalPolicyHandler{store: store, program: program, logger: logger}, nil
}

// HandleDecision approves or leaves the decision pending. Authorization
// decisions resolve to authorize, settlement decisions to settle; policy
// satisfaction stays pending for a Presentation to arrive.
func (h *LocalPolicyHandler) HandleDecision(ctx context.Context, d *storage.Decision) error {
	var decCtx any
	if len(d.Context) > 0 {
		if err := json.Unmarshal(d.Context, &decCtx); err != nil {
			decCtx = map[string]any{}
		}
	} else {
		decCtx = map[string]any{}
	}

	out, _, err := h.program.Eval(map[string]any{
		"decision_type":  string(d.DecisionType),
		"transaction_id": d.TransactionID,
		"agent_did":      d.AgentDID,
		"context":        decCtx,
	})
	if err != nil {
		return taperr.Wrap(taperr.KindValidation, err, "evaluate policy for decision %d", d.ID)
	}
	approved, ok := out.Value().(bool)
	if !ok {
		return taperr.New(taperr.KindValidation, "policy expression yields %T, want bool", out.Value())
	}
	if !approved {
		h.logger.Info("decision: policy declined, leaving pending", "decision_id", d.ID)
		return nil
	}

	var action string
	switch d.DecisionType {
	case storage.DecisionAuthorizationRequired:
		action = ActionAuthorize
	case storage.DecisionSettlementRequired:
		action = ActionSettle
	default:
		// Policy satisfaction needs a counterparty Presentation, not a
		// local yes.
		return nil
	}

	if err := h.store.UpdateDecisionStatus(ctx, d.ID, storage.DecisionStatusResolved, action, nil); err != nil {
		return err
	}
	h.logger.Info("decision: auto-resolved",
		"decision_id", d.ID, "transaction_id", d.TransactionID, "action", action)
	return nil
}
