// Command orchestrator runs the ticket orchestrator's HTTP surface and
// boot-time warm reindex, grounded on the teacher's cmd/kilroy subcommand
// dispatch (main.go's switch on os.Args[1]) and attractor_serve.go's
// addr-flag parsing.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/avery-chen/ticketflow/internal/config"
	"github.com/avery-chen/ticketflow/internal/evidence"
	"github.com/avery-chen/ticketflow/internal/httpapi"
	"github.com/avery-chen/ticketflow/internal/metrics"
	"github.com/avery-chen/ticketflow/internal/readiness"
	"github.com/avery-chen/ticketflow/internal/reindex"
	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/triage"
)

func main() {
	if len(os.Args) < 2 {
		serve(nil)
		return
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "reindex":
		reindexOnly(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Println("orchestrator dev")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  orchestrator serve [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  orchestrator reindex")
}

func serve(args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	addr := cfg.HTTPAddr
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg.HTTPAddr = addr
	logger := log.New(os.Stderr, "[ticketflow] ", log.LstdFlags)

	deps, err := wireDependencies(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.ReindexOnBoot {
		if err := deps.reindexer.ReplayOnBoot(); err != nil {
			logger.Printf("warm reindex failed (continuing): %v", err)
		}
	}
	if cfg.TailSnapshots {
		if err := deps.reindexer.Start(); err != nil {
			logger.Printf("tail follower failed to start (continuing without it): %v", err)
		} else {
			defer deps.reindexer.Stop()
		}
	}

	go deps.reaper.Run(deps.httpServer.Context())

	deps.readiness.ReportState("memory", readiness.DepState{Ready: true})
	deps.readiness.ReportState("schema", readiness.DepState{Ready: true})
	if cfg.NoMCP {
		deps.readiness.ReportState("mcp", readiness.DepState{Ready: false, Code: "DEP_DISABLED"})
		deps.readiness.ReportState("tool_gateway", readiness.DepState{Ready: false, Code: "DEP_DISABLED"})
	}

	if err := deps.httpServer.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func reindexOnly(args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "[ticketflow-reindex] ", log.LstdFlags)

	deps, err := wireDependencies(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := deps.reindexer.ReplayOnBoot(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("reindex complete")
}

type wiring struct {
	store      *store.Store
	reaper     *store.Reaper
	reindexer  *reindex.Reindexer
	readiness  *readiness.Evaluator
	httpServer *httpapi.Server
}

func wireDependencies(cfg *config.Config, logger *log.Logger) (*wiring, error) {
	reg := metrics.New()

	snaps, err := snapshot.Open2(snapshot.Paths{
		TriageDecisions: cfg.TriageSnapshot,
		ReplyResults:    cfg.ReplySnapshot,
		TriageAudit:     cfg.TriageAuditPath,
		ReplyAudit:      cfg.ReplyAuditPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open snapshot sink: %w", err)
	}

	st := store.New(cfg.DirectFillAllowlist, reg, snaps, logger)

	rulesPath := os.Getenv("TRIAGE_RULES_PATH")
	envOverrides := map[string]string{}
	for _, k := range []string{"GATE0B_ENABLED", "GATE0B_MIN_LEN", "GATE0B_MIN_LIKES", "GATE0B_MIN_COMMENTS"} {
		if v := os.Getenv(k); v != "" {
			envOverrides[k] = v
		}
	}
	rules, err := triage.LoadRules(rulesPath, envOverrides)
	if err != nil {
		return nil, fmt.Errorf("load triage rules: %w", err)
	}

	eval := readiness.NewDefault()
	if err := eval.Validate(); err != nil {
		return nil, fmt.Errorf("validate readiness config: %w", err)
	}

	schemas, err := compileEvidenceSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile evidence schemas: %w", err)
	}
	ev := evidence.New(cfg.LogsDir, schemas, evidence.SchemaGateMode(cfg.SchemaGateMode), logger)

	reindexer := reindex.New(cfg.LogsDir, cfg.TriageSnapshot, cfg.ReplySnapshot, cfg.SnapshotWatermark, st, st.AsTailReplyCreator(), reg, logger)

	reaper := store.NewReaper(st, cfg.LeaseSweepInterval)

	srv := httpapi.New(httpapi.Config{
		Addr:           cfg.HTTPAddr,
		RequestTimeout: cfg.HTTPRequestTimeout,
		RequireAuth:    cfg.RequireAuth,
		BearerToken:    cfg.TriageBearerToken,
	}, st, snaps, reg, eval, ev, rules, httpapi.DerivationFlags{
		EnableToolDerivation:  cfg.EnableToolDerivation,
		EnableReplyDerivation: cfg.EnableReplyDerivation,
		ToolOnlyMode:          cfg.ToolOnlyMode,
		ReplyBrandVoice:       cfg.ReplyBrandVoice,
	}, nil, logger)

	return &wiring{store: st, reaper: reaper, reindexer: reindexer, readiness: eval, httpServer: srv}, nil
}

var schemaFiles = map[string]string{
	"lease_debug_v1":     "schemas/lease_debug_v1.schema.json",
	"readiness_debug_v1": "schemas/readiness_debug_v1.schema.json",
	"tool_debug_v1":      "schemas/tool_debug_v1.schema.json",
}

func compileEvidenceSchemas() (*evidence.SchemaRegistry, error) {
	sources := make(map[string]string, len(schemaFiles))
	for name, path := range schemaFiles {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		sources[name] = string(b)
	}
	return evidence.CompileSchemas(sources)
}
