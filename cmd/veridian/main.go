// Command veridian runs a single-node demo: it boots the Sentinel security
// plane, the Maestro orchestrator, and the cross-platform session layer,
// registers built-in capabilities for the agent fleet, executes a sample
// workflow, establishes an authenticated session, and prints the event
// timeline.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Veridian-Labs/veridian/core/pkg/choreo"
	"github.com/Veridian-Labs/veridian/core/pkg/config"
	"github.com/Veridian-Labs/veridian/core/pkg/contextstore"
	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
	"github.com/Veridian-Labs/veridian/core/pkg/crossplatform"
	"github.com/Veridian-Labs/veridian/core/pkg/discovery"
	"github.com/Veridian-Labs/veridian/core/pkg/eventbus"
	"github.com/Veridian-Labs/veridian/core/pkg/executor"
	"github.com/Veridian-Labs/veridian/core/pkg/handshake"
	"github.com/Veridian-Labs/veridian/core/pkg/keystore"
	"github.com/Veridian-Labs/veridian/core/pkg/maestro"
	"github.com/Veridian-Labs/veridian/core/pkg/monitor"
	"github.com/Veridian-Labs/veridian/core/pkg/observability"
	"github.com/Veridian-Labs/veridian/core/pkg/policy"
	"github.com/Veridian-Labs/veridian/core/pkg/sentinel"
	"github.com/Veridian-Labs/veridian/core/pkg/store"
)

var agentKinds = []contracts.AgentKind{
	contracts.AgentGuardian,
	contracts.AgentBridge,
	contracts.AgentSovereign,
	contracts.AgentPrism,
	contracts.AgentAtlas,
	contracts.AgentOrchestrator,
	contracts.AgentWeaver,
}

func main() {
	profilesDir := flag.String("profiles", "", "directory holding profile_*.yaml overlays")
	profileName := flag.String("profile", "", "deployment profile to apply")
	flag.Parse()

	cfg := config.Load()
	if *profilesDir != "" && *profileName != "" {
		profile, err := config.LoadProfile(*profilesDir, *profileName)
		if err != nil {
			log.Fatalf("loading profile: %v", err)
		}
		profile.Apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	setupLogging(cfg.LogLevel)

	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("veridian: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	// Security plane.
	sent, err := sentinel.New(sentinel.Options{
		Keystore: keystore.New(keystore.Options{KeyRotationDays: cfg.KeyRotationDays}),
		Policy:   policy.New(policy.Options{DefaultAllow: true}),
		Monitor: monitor.New(monitor.Options{
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			LockoutDuration:   cfg.LockoutDuration,
			EnableMonitoring:  cfg.EnableMonitoring,
			AlertWebhookURL:   cfg.AlertWebhookURL,
			Attempts:          attemptStore(cfg),
		}),
	})
	if err != nil {
		return err
	}

	// Orchestration plane.
	m, err := maestro.New(maestro.Options{
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		Executor: executor.Options{
			EnableRollback: cfg.EnableRollback,
			InvokeTimeout:  cfg.AgentTimeout,
		},
		Bus: eventbus.Options{HistorySize: cfg.EventBusBufferSize},
	})
	if err != nil {
		return err
	}
	defer m.Close()

	// Session layer.
	tokenSecret := make([]byte, 32)
	if _, err := rand.Read(tokenSecret); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}
	disc, err := discovery.New(discovery.Options{
		TokenSecret:       tokenSecret,
		TokenTTL:          cfg.SessionTokenTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, m.Bus())
	if err != nil {
		return err
	}
	defer disc.Close()
	disc.Start(ctx)

	protocol, err := handshake.New(sent, disc, handshake.Options{
		ChallengeSize: cfg.ChallengeSize,
		SessionTTL:    cfg.SessionTokenTTL,
	})
	if err != nil {
		return err
	}
	defer protocol.Close()
	protocol.Start()

	contexts := contextstore.New(contextstore.Options{
		MaxHistory: cfg.MaxHistory,
		ContextTTL: cfg.ContextTTL,
	}, m.Bus())
	defer contexts.Close()
	contexts.Start()

	adapter, err := crossplatform.New(disc, protocol, contexts)
	if err != nil {
		return err
	}

	// Optional write-through mirror.
	var mirror store.Mirror
	if cfg.SQLitePath != "" {
		mirror, err = store.OpenSQLite(cfg.SQLitePath)
	} else if cfg.DatabaseURL != "" {
		mirror, err = store.OpenPostgres(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("opening mirror: %w", err)
	}
	if mirror != nil {
		defer func() { _ = mirror.Close() }()
	}

	if err := registerFleet(ctx, m, sent, disc, mirror); err != nil {
		return err
	}
	registerHandlers(m)

	exec, err := runDemoWorkflow(ctx, m, obs)
	if err != nil {
		return err
	}
	if mirror != nil {
		payload, _ := json.Marshal(exec)
		_ = mirror.SaveExecution(ctx, store.ExecutionRecord{
			ExecutionID: exec.ID,
			WorkflowID:  exec.WorkflowID,
			State:       string(exec.State),
			Payload:     payload,
		})
	}

	if err := runDemoSession(adapter); err != nil {
		return err
	}

	printTimeline(m.Bus())
	return nil
}

// registerFleet creates one agent per kind: a signing key, a registry entry,
// and a discovery registration with a steady heartbeat token.
func registerFleet(ctx context.Context, m *maestro.Maestro, sent *sentinel.Sentinel, disc *discovery.Service, mirror store.Mirror) error {
	for _, kind := range agentKinds {
		id := string(kind) + "-1"
		pub, err := sent.GenerateKey(id, contracts.AlgEd25519, "")
		if err != nil {
			return fmt.Errorf("generating key for %s: %w", id, err)
		}

		agent := &contracts.Agent{
			ID:        id,
			Kind:      kind,
			PublicKey: pub,
			Capabilities: []contracts.Capability{
				{ID: "echo", Name: "echo", Version: "1.0.0"},
				{ID: "transform", Name: "transform", Version: "1.0.0"},
			},
		}
		if err := m.RegisterAgent(agent); err != nil {
			return err
		}
		if _, err := disc.Register(discovery.Registration{
			AgentID:      id,
			DID:          "did:veridian:" + id,
			Address:      "127.0.0.1",
			Endpoint:     "local://" + id,
			Capabilities: []string{"echo", "transform"},
		}); err != nil {
			return err
		}
		if mirror != nil {
			payload, _ := json.Marshal(agent)
			_ = mirror.SaveAgent(ctx, store.AgentRecord{AgentID: id, Kind: string(kind), Payload: payload})
		}
	}
	return nil
}

// attemptStore returns the distributed attempt counter when a Redis address
// is configured, nil otherwise so the monitor falls back to its in-memory one.
func attemptStore(cfg *config.Config) monitor.AttemptStore {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return monitor.NewRedisAttemptStore(client)
}

func registerHandlers(m *maestro.Maestro) {
	_ = m.RegisterHandler("echo", func(agentID string, inputs map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(inputs)+1)
		for k, v := range inputs {
			out[k] = v
		}
		out["handled_by"] = agentID
		return out, nil
	})
	_ = m.RegisterHandler("transform", func(agentID string, inputs map[string]any) (map[string]any, error) {
		text, _ := inputs["text"].(string)
		return map[string]any{"text": strings.ToUpper(text), "handled_by": agentID}, nil
	})
}

func runDemoWorkflow(ctx context.Context, m *maestro.Maestro, obs *observability.Provider) (*contracts.WorkflowExecution, error) {
	wf := &contracts.Workflow{
		ID:            "demo",
		Name:          "demo pipeline",
		Version:       "1.0.0",
		InitialInputs: map[string]any{"text": "identity verified"},
		OnError:       contracts.OnErrorStop,
		MaxDuration:   time.Minute,
		Steps: []contracts.Step{
			{
				ID: "gather", AgentID: "atlas-1", CapabilityID: "echo",
				Input: map[string]any{"text": "${text}"},
			},
			{
				ID: "transform", AgentID: "prism-1", CapabilityID: "transform",
				DependsOn: []string{"gather"},
				Input:     map[string]any{"text": "${text}"},
			},
			{
				ID: "report", AgentID: "orchestrator-1", CapabilityID: "echo",
				DependsOn: []string{"transform"},
				Input:     map[string]any{"text": "${text}"},
			},
		},
	}
	if err := m.DefineWorkflow(wf); err != nil {
		return nil, err
	}

	ctx, done := obs.TrackOperation(ctx, "workflow.run")
	exec, err := m.ExecuteWorkflow(ctx, "demo", choreo.ExecutionOptions{})
	done(err)
	if err != nil {
		return nil, err
	}
	obs.RecordWorkflow(ctx, string(exec.State))

	fmt.Printf("workflow %s finished: %s\n", exec.WorkflowID, exec.State)
	for _, step := range []string{"gather", "transform", "report"} {
		if outputs, ok := exec.Context.StepOutputs[step]; ok {
			fmt.Printf("  %-10s -> %v\n", step, outputs["text"])
		}
	}
	return exec, nil
}

func runDemoSession(adapter *crossplatform.Adapter) error {
	session, err := adapter.Connect("guardian-1", "bridge-1", map[string]string{"purpose": "demo"})
	if err != nil {
		return err
	}
	fmt.Printf("session %s established between %s and %s\n", session.ID, session.InitiatorID, session.TargetID)

	if err := adapter.SendMessage(session.ID, contracts.ConversationMessage{
		FromAgentID: "guardian-1",
		ToAgentID:   "bridge-1",
		Content:     "credentials synced",
	}); err != nil {
		return err
	}
	inbox, err := adapter.ReceiveMessage(session.ID, "bridge-1", 0)
	if err != nil {
		return err
	}
	for _, msg := range inbox {
		fmt.Printf("  %s -> %s: %s\n", msg.FromAgentID, msg.ToAgentID, msg.Content)
	}
	return adapter.Disconnect(session.ID, "guardian-1")
}

func printTimeline(bus *eventbus.Bus) {
	fmt.Println("event timeline:")
	for _, e := range bus.History(eventbus.HistoryQuery{}) {
		fmt.Printf("  %s  %-28s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.SourceAgent)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
