// Command scholium runs the literature-research MCP server on stdio.
//
// The server aggregates PubMed, PMC, Europe PMC, CORE, OpenAlex, Semantic
// Scholar, Crossref, Entrez, Open-i, and MeSH behind one tool surface:
// unified search over composable pipelines, saved pipelines with run history,
// and cron schedules that notify subscribed clients of new results.
//
// # Configuration
//
// Environment variables:
//
//	SCHOLIUM_EMAIL            - Operator contact sent to polite-access APIs (recommended)
//	SCHOLIUM_NCBI_API_KEY     - NCBI E-utilities key (raises the rate limit)
//	SCHOLIUM_S2_API_KEY       - Semantic Scholar key
//	SCHOLIUM_CORE_API_KEY     - CORE key
//	SCHOLIUM_CROSSREF_TOKEN   - Crossref Metadata Plus token
//	SCHOLIUM_HTTP_PROXY       - Outbound proxy URL (optional)
//	SCHOLIUM_DATA_DIR         - Per-user data root (default: ~/.scholium)
//	SCHOLIUM_WORKSPACE_DIR    - Project data root (default: ./.scholium)
//	SCHOLIUM_PIPELINE_HOSTS   - Extra comma-separated hosts allowed for url: pipelines
//	SCHOLIUM_SESSION_BACKEND  - Session store: "memory" (default) or "redis"
//	SCHOLIUM_REDIS_ADDR       - Redis address for the redis backend (default: localhost:6379)
//	SCHOLIUM_REDIS_PASSWORD   - Redis password (optional)
//	SCHOLIUM_SESSION_TTL      - Session idle expiry (default: 24h)
//
// # Example
//
// Register with an MCP client as a stdio server:
//
//	SCHOLIUM_EMAIL=ops@example.org scholium
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	sessredis "github.com/scholium/scholium/features/session/redis"
	"github.com/scholium/scholium/gateway"
	"github.com/scholium/scholium/pipeline"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/server"
	"github.com/scholium/scholium/session"
	"github.com/scholium/scholium/session/inmem"
	"github.com/scholium/scholium/sources"
	"github.com/scholium/scholium/store"
)

// version is stamped by the build.
var version = "dev"

func main() {
	var (
		dbgF       = flag.Bool("debug", false, "Enable debug logs")
		workspaceF = flag.String("workspace", "", "Project data root (overrides SCHOLIUM_WORKSPACE_DIR)")
		globalF    = flag.String("global", "", "Per-user data root (overrides SCHOLIUM_DATA_DIR)")
	)
	flag.Parse()

	// Logs go to stderr: stdout carries the protocol.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(),
		log.WithFormat(format),
		log.WithOutput(os.Stderr))
	ctx = log.With(ctx, log.KV{K: "svc", V: "scholium"})
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *workspaceF, *globalF); err != nil {
		log.Fatalf(ctx, err, "scholium exited")
	}
}

func run(ctx context.Context, workspaceDir, globalDir string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if globalDir == "" {
		globalDir = os.Getenv("SCHOLIUM_DATA_DIR")
	}
	if globalDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		globalDir = filepath.Join(home, ".scholium")
	}
	if workspaceDir == "" {
		workspaceDir = envOr("SCHOLIUM_WORKSPACE_DIR", filepath.Join(".", ".scholium"))
	}

	gw := gateway.New(gateway.Options{
		Email:   os.Getenv("SCHOLIUM_EMAIL"),
		Proxy:   os.Getenv("SCHOLIUM_HTTP_PROXY"),
		Version: version,
	})
	registry := sources.NewRegistry(gw, sources.Config{
		Email:         os.Getenv("SCHOLIUM_EMAIL"),
		NCBIAPIKey:    os.Getenv("SCHOLIUM_NCBI_API_KEY"),
		S2APIKey:      os.Getenv("SCHOLIUM_S2_API_KEY"),
		COREAPIKey:    os.Getenv("SCHOLIUM_CORE_API_KEY"),
		CrossrefToken: os.Getenv("SCHOLIUM_CROSSREF_TOKEN"),
	})
	analyzer := query.NewAnalyzer(registry.Expander())
	engine := pipeline.New(registry, analyzer)

	sessions, err := newSessionStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Errorf(ctx, err, "close session store")
		}
	}()

	st, err := store.New(store.Options{
		Workspace:  workspaceDir,
		Global:     globalDir,
		Fetcher:    gw,
		AllowHosts: splitHosts(os.Getenv("SCHOLIUM_PIPELINE_HOSTS")),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Sources:  registry,
		Analyzer: analyzer,
		Engine:   engine,
		Sessions: sessions,
		Store:    st,
		Version:  version,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	log.Print(ctx, log.KV{K: "msg", V: "serving MCP on stdio"},
		log.KV{K: "version", V: version},
		log.KV{K: "data_dir", V: globalDir},
		log.KV{K: "workspace_dir", V: workspaceDir})

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx, &mcp.StdioTransport{}) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errc:
	case s := <-sig:
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})
		cancel()
		err = <-errc
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newSessionStore builds the session backend named by the environment.
func newSessionStore(ctx context.Context) (session.Store, error) {
	ttl := envDurationOr("SCHOLIUM_SESSION_TTL", 0)
	switch backend := envOr("SCHOLIUM_SESSION_BACKEND", "memory"); backend {
	case "memory":
		return inmem.New(inmem.Options{TTL: ttl}), nil
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     envOr("SCHOLIUM_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("SCHOLIUM_REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return sessredis.New(sessredis.Options{Client: rdb, TTL: ttl})
	default:
		return nil, fmt.Errorf("unknown session backend %q (memory or redis)", backend)
	}
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
