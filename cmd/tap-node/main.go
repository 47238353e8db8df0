// tap-node runs a TAP agent node: key management, message routing, and the
// HTTP ingress surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tap-rsvp/tap-go/pkg/config"
	"github.com/tap-rsvp/tap-go/pkg/decision"
	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/httpapi"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/node"
	"github.com/tap-rsvp/tap-go/pkg/observability"
	"github.com/tap-rsvp/tap-go/pkg/storage"
)

var (
	configPath  string
	autoApprove bool
)

func main() {
	root := &cobra.Command{
		Use:          "tap-node",
		Short:        "Transaction Authorization Protocol agent node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: ingress, delivery engine, decision loop",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "resolve authorization and settlement decisions automatically")

	keysCmd := &cobra.Command{Use: "keys", Short: "Manage agent keys"}
	keysCmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Generate an agent key and print its DID",
			RunE:  runKeysGenerate,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List local agent DIDs",
			RunE:  runKeysList,
		},
	)

	decisionsCmd := &cobra.Command{Use: "decisions", Short: "Inspect and resolve pending decisions"}
	decisionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list <agent-did>",
			Short: "List pending decisions for an agent",
			Args:  cobra.ExactArgs(1),
			RunE:  runDecisionsList,
		},
		&cobra.Command{
			Use:   "resolve <agent-did> <decision-id> <action>",
			Short: "Resolve a decision (authorize, reject, settle, cancel)",
			Args:  cobra.ExactArgs(3),
			RunE:  runDecisionsResolve,
		},
	)

	root.AddCommand(serveCmd, keysCmd, decisionsCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func keystorePath(cfg *config.Config) string {
	return filepath.Join(cfg.Root, "keys.json")
}

func loadKeys(cfg *config.Config, logger *slog.Logger) (*keys.Manager, error) {
	km := keys.NewManager(logger)
	path := keystorePath(cfg)
	if _, err := os.Stat(path); err == nil {
		if err := km.Load(path, cfg.KeystorePassphrase); err != nil {
			return nil, fmt.Errorf("unseal keystore: %w", err)
		}
	}
	return km, nil
}

func newResolver() *did.Registry {
	r := did.NewRegistry()
	r.Register(did.NewWebResolver(10*time.Second), 0)
	r.Register(did.NewPkhResolver(), 0)
	return r
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}
	localDIDs := km.ListLocalDIDs()
	if len(localDIDs) == 0 {
		return fmt.Errorf("no agent keys; run `tap-node keys generate` first")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName: "tap-node",
		Enabled:     os.Getenv("TAP_OTLP_ENDPOINT") != "",
		OTLPEndpoint: func() string {
			if ep := os.Getenv("TAP_OTLP_ENDPOINT"); ep != "" {
				return ep
			}
			return "localhost:4317"
		}(),
		Insecure: true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	n := node.New(node.Options{
		Root:             cfg.Root,
		SecurityPolicy:   cfg.Policy(),
		DeliveryRetryCap: cfg.DeliveryRetryCap,
		SweepInterval:    cfg.SweepInterval,
	}, km, newResolver(), logger)
	n.SetObservability(obs)
	defer n.Close()

	var external *decision.ExternalProcessHandler
	for _, agentDID := range localDIDs {
		registered, err := n.RegisterAgent(agentDID, nil)
		if err != nil {
			return err
		}
		switch {
		case cfg.ExternalDecisionExec != "":
			h := decision.NewExternalProcessHandler(registered.Store, localDIDs,
				decision.SubscribeMode(cfg.ExternalDecisionSubscribe), logger)
			registered.Handler = h
			external = h
			wireExternal(n, h, registered)
		case autoApprove:
			h, err := decision.NewLocalPolicyHandler(registered.Store, "", logger)
			if err != nil {
				return err
			}
			registered.Handler = h
		}
	}
	n.Start(ctx)
	if external != nil && cfg.ExternalDecisionExec != "" {
		external.Start(ctx, cfg.ExternalDecisionExec)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(n, 100, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("tap-node: serving", "addr", cfg.HTTPAddr, "agents", localDIDs)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func wireExternal(n *node.Node, h *decision.ExternalProcessHandler, agent *node.AgentHandle) {
	n.SetEventNotifier(func(event string, data []byte) {
		h.NotifyEvent(event, data)
	})
	h.RegisterTool("list_decisions", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		rows, err := agent.Store.ListDecisions(ctx, storage.DecisionFilters{Limit: 100})
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
	h.RegisterTool("list_deliveries", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var params struct {
			MessageID string `json:"messageId"`
		}
		_ = json.Unmarshal(args, &params)
		rows, err := agent.Store.ListDeliveriesForMessage(ctx, params.MessageID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
}

func runKeysGenerate(*cobra.Command, []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}
	didStr, _, err := km.Generate(keys.KeyTypeEd25519)
	if err != nil {
		return err
	}
	if err := km.Save(keystorePath(cfg), cfg.KeystorePassphrase); err != nil {
		return err
	}
	fmt.Println(didStr)
	return nil
}

func runKeysList(*cobra.Command, []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}
	for _, didStr := range km.ListLocalDIDs() {
		fmt.Println(didStr)
	}
	return nil
}

func runDecisionsList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Root, args[0], logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := store.ListDecisions(cmd.Context(), storage.DecisionFilters{
		AgentDID: args[0],
		Status:   storage.DecisionStatusPending,
		Limit:    100,
	})
	if err != nil {
		return err
	}
	for _, d := range rows {
		fmt.Printf("%d\t%s\t%s\t%s\n", d.ID, d.TransactionID, d.DecisionType, d.Status)
	}
	return nil
}

func runDecisionsResolve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !decision.ValidAction(args[2]) {
		return fmt.Errorf("unknown action %q", args[2])
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("decision id: %w", err)
	}

	store, err := storage.Open(cfg.Root, args[0], logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return store.UpdateDecisionStatus(cmd.Context(), id, storage.DecisionStatusResolved, args[2], nil)
}
