// Command replay-agent records a page session: it drives a Chrome page,
// captures DOM snapshots and interactions, and streams packed event batches
// to a replay collector.
//
// Usage:
//
//	replay-agent -config replay.yaml -url https://example.com
//	replay-agent -base https://collector.example.com/_temps -url https://example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/tempslabs/replay/capture"
	"github.com/tempslabs/replay/control"
	"github.com/tempslabs/replay/kv"
	"github.com/tempslabs/replay/recorder"
)

func main() {
	configPath := flag.String("config", "", "path to replay.yaml config file")
	basePath := flag.String("base", "", "collector base path, e.g. https://collector.example.com/_temps")
	pageURL := flag.String("url", "", "page URL to record")
	statePath := flag.String("state", "replay-agent.db", "path to the local state database")
	remoteChrome := flag.String("chrome", "", "WebSocket URL of a remote Chrome (default: launch locally)")
	headful := flag.Bool("headful", false, "launch Chrome with a visible window")
	serveMCP := flag.Bool("mcp", false, "serve replay control tools over MCP stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *basePath, *pageURL, *statePath, *remoteChrome, *headful, *serveMCP); err != nil {
		logger.Error("replay-agent: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, basePath, pageURL, statePath, remoteChrome string, headful, serveMCP bool) error {
	if pageURL == "" {
		fmt.Fprintln(os.Stderr, "usage: replay-agent [-config <file> | -base <url>] -url <page>")
		os.Exit(1)
	}

	var cfg recorder.Config
	var err error
	if configPath != "" {
		cfg, err = recorder.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = recorder.Default()
		cfg.BasePath = basePath
	}
	if basePath != "" {
		cfg.BasePath = basePath
	}

	store, err := kv.Open(statePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer store.Close()

	browser := capture.NewBrowser(capture.BrowserConfig{
		RemoteURL: remoteChrome,
		Headless:  !headful,
		Stealth:   true,
		Logger:    logger,
	})
	defer browser.Close()

	source := capture.NewSource(capture.SourceConfig{
		Browser:  browser,
		PageURL:  pageURL,
		Settings: capture.SettingsFromConfig(cfg),
		SlimDOM:  cfg.SlimDOM,
		Logger:   logger,
	})

	rec, err := recorder.New(cfg,
		recorder.WithLogger(logger),
		recorder.WithSource(source),
		recorder.WithStore(store),
		recorder.WithStartPath(pathOf(pageURL)),
	)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer rec.Close()

	rec.Start(ctx)
	if !rec.Recording() {
		return fmt.Errorf("recording did not start (excluded path, sampled out, or init failed)")
	}
	logger.Info("replay-agent: recording", "url", pageURL, "session_id", rec.SessionID())

	if serveMCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "replay-agent",
			Version: "1.0.0",
		}, nil)
		control.New(rec).RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("mcp stdio", "error", err)
			}
		}()
	}

	<-ctx.Done()
	rec.HandlePageHide()
	return nil
}

// pathOf extracts the path component the exclusion globs match against.
func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
