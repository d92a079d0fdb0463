// Command statekit is a demo CLI for the checkpoint store: it advances
// customer-support conversations through the built-in workflow, lists
// checkpoint history, queries the search index, and reports backend
// health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/convograph/statekit/config"
	"github.com/convograph/statekit/controller"
	"github.com/convograph/statekit/lifecycle"
	"github.com/convograph/statekit/observe"
	otelsink "github.com/convograph/statekit/observe/otel"
	"github.com/convograph/statekit/search"
	"github.com/convograph/statekit/thread"
	"github.com/convograph/statekit/workflows/support"
)

func main() {
	_ = godotenv.Load()
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(strings.TrimSpace(os.Getenv("STATEKIT_CONFIG")))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	observer, stopObserver := buildObserver(os.Getenv("STATEKIT_OBSERVE"))
	defer stopObserver()

	ctx := context.Background()
	manager := lifecycle.New(cfg, lifecycle.WithObserver(observer))
	store, err := manager.Initialize(ctx)
	if err != nil {
		log.Fatalf("initialization failed: %v", err)
	}
	defer func() { _ = manager.Shutdown() }()

	pausePoints := cfg.Controller.PausePoints
	if len(pausePoints) == 0 {
		pausePoints = support.PausePoints
	}
	ctrl, err := controller.New(
		store,
		support.New(),
		controller.WithObserver(observer),
		controller.WithPausePoints(pausePoints...),
		controller.WithIndexWriter(manager.Writer()),
		controller.WithConflictRetries(cfg.Controller.ConflictRetries),
		controller.WithPutTimeout(cfg.PutTimeout()),
	)
	if err != nil {
		log.Fatalf("controller setup failed: %v", err)
	}

	switch strings.TrimSpace(os.Args[1]) {
	case "advance":
		runAdvance(ctx, ctrl, os.Args[2:])
	case "history":
		runHistory(ctx, ctrl, os.Args[2:])
	case "search":
		runSearch(ctx, manager, os.Args[2:])
	case "health":
		runHealth(ctx, manager)
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
}

// buildObserver assembles the event sink from the STATEKIT_OBSERVE
// mode list: "log" emits one line per event through the standard
// logger, "otel" bridges events onto the global tracer provider, and
// "log,otel" does both. Empty or "off" disables observability. The
// sinks run behind an async queue so emit never stalls a command; the
// returned stop func drains it.
func buildObserver(mode string) (observe.Sink, func()) {
	mode = strings.TrimSpace(strings.ToLower(mode))
	if mode == "" || mode == "off" {
		return observe.NoopSink{}, func() {}
	}

	var sinks []observe.Sink
	for _, part := range strings.Split(mode, ",") {
		switch strings.TrimSpace(part) {
		case "log":
			sinks = append(sinks, observe.LogSink{})
		case "otel":
			sinks = append(sinks, otelsink.NewSink(otel.GetTracerProvider()))
		case "":
		default:
			log.Printf("unknown STATEKIT_OBSERVE mode %q, ignoring", part)
		}
	}
	if len(sinks) == 0 {
		return observe.NoopSink{}, func() {}
	}

	async := observe.NewAsyncSink(observe.Tee(sinks...), 256)
	return async, async.Close
}

func runAdvance(ctx context.Context, ctrl *controller.Controller, args []string) {
	fs := flag.NewFlagSet("advance", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id (required)")
	session := fs.String("session", "", "session id; omit to start a new conversation")
	namespace := fs.String("ns", "customer_service", "checkpoint namespace")
	_ = fs.Parse(args)

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *tenant == "" || message == "" {
		log.Fatalf("usage: statekit advance -tenant <id> [-session <id>] [-ns <ns>] <message>")
	}

	var key thread.Key
	var err error
	if *session == "" {
		key, err = thread.NewKey(*tenant)
		if err == nil {
			fmt.Printf("new conversation: %s\n", key)
		}
	} else {
		key = thread.Key{TenantID: *tenant, SessionID: *session}
		err = key.Validate()
	}
	if err != nil {
		log.Fatalf("thread key: %v", err)
	}

	result, err := ctrl.Advance(ctx, key, *namespace, controller.Input{
		Message:      message,
		InitialState: support.InitialState(message),
	})
	if err != nil {
		log.Fatalf("advance failed: %v", err)
	}

	fmt.Printf("status: %s\n", result.Status)
	if result.PausedAt != "" {
		fmt.Printf("paused at: %s (resume with the same -session once input is available)\n", result.PausedAt)
	}
	if reply, ok := result.State.Data["final_reply"].(string); ok && reply != "" {
		fmt.Printf("reply: %s\n", reply)
	}
	fmt.Printf("checkpoint: %s\n", result.CheckpointID)
}

func runHistory(ctx context.Context, ctrl *controller.Controller, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	threadID := fs.String("thread", "", "thread key tenant:session (required)")
	namespace := fs.String("ns", "customer_service", "checkpoint namespace")
	limit := fs.Int("limit", 20, "max checkpoints")
	_ = fs.Parse(args)

	key, err := thread.ParseKey(*threadID)
	if err != nil {
		log.Fatalf("thread key: %v", err)
	}

	history, err := ctrl.History(ctx, key, *namespace, *limit)
	if err != nil {
		log.Fatalf("history failed: %v", err)
	}
	for _, cp := range history {
		parent := cp.ParentCheckpointID
		if parent == "" {
			parent = "-"
		}
		fmt.Printf("%s  parent=%s  %s\n", cp.CheckpointID, parent, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func runSearch(ctx context.Context, manager *lifecycle.Manager, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	tenant := fs.String("tenant", "", "filter by tenant")
	intent := fs.String("intent", "", "filter by intent")
	resolved := fs.String("resolved", "", "filter by resolution: true or false")
	limit := fs.Int("limit", 10, "max results")
	_ = fs.Parse(args)

	query := search.Query{
		Text:     strings.TrimSpace(strings.Join(fs.Args(), " ")),
		TenantID: *tenant,
		Intent:   *intent,
		Limit:    *limit,
	}
	if *resolved != "" {
		value := strings.EqualFold(*resolved, "true")
		query.Resolved = &value
	}

	docs, err := manager.Search(ctx, query)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	for _, doc := range docs {
		fmt.Printf("%s  intent=%s resolved=%v awaiting=%v\n  %s\n",
			doc.ThreadID, doc.Intent, doc.Resolved, doc.AwaitingInput, truncate(doc.Messages, 120))
	}
	if len(docs) == 0 {
		fmt.Println("no results")
	}
}

func runHealth(ctx context.Context, manager *lifecycle.Manager) {
	h := manager.Health(ctx)
	fmt.Printf("durable: %s\ncache: %s\nindex: %s\n", h.Durable, h.Cache, h.Index)
}

func printUsage() {
	fmt.Println(`statekit - durable, resumable checkpoint store demo

Usage:
  statekit advance -tenant <id> [-session <id>] [-ns <ns>] <message>
  statekit history -thread <tenant:session> [-ns <ns>] [-limit <n>]
  statekit search [-tenant <id>] [-intent <i>] [-resolved true|false] <query>
  statekit health

Environment:
  STATEKIT_CONFIG              path to a YAML config file
  STATEKIT_SQLITE_PATH         durable store location
  STATEKIT_CACHE_ENABLED       enable the redis cache tier
  STATEKIT_REDIS_ADDR          redis address for the cache tier
  STATEKIT_INDEX_ENABLED       enable the search index
  STATEKIT_PAUSE_POINTS        comma-separated pause point names
  STATEKIT_OBSERVE             event sinks: off, log, otel, or log,otel`)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
