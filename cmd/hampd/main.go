// Hampd bridges HASS.Agent satellite PCs into Home Assistant media
// players over MQTT.
//
// It mirrors each agent's playback state from the agent's MQTT topics,
// publishes transport commands back, and serves the artwork thumbnails
// and a status API over HTTP. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hampd serve              Start the bridge
//	hampd version            Print version and build information
//	hampd -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clipman/HASS.Agent-Integration/internal/buildinfo"
	"github.com/clipman/HASS.Agent-Integration/internal/config"
	"github.com/clipman/HASS.Agent-Integration/internal/events"
	"github.com/clipman/HASS.Agent-Integration/internal/homeassistant"
	"github.com/clipman/HASS.Agent-Integration/internal/mediaplayer"
	"github.com/clipman/HASS.Agent-Integration/internal/mqtt"
	"github.com/clipman/HASS.Agent-Integration/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hampd command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests, and the argument
// surface is small enough that manual parsing is clearer than bringing
// in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// hampd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hampd - HASS.Agent Media Player Bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hampd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./hampbridge.yaml, ~/.config/hampbridge/hampbridge.yaml,")
	fmt.Fprintln(w, "  /etc/hampbridge/hampbridge.yaml")
	return nil
}

// runServe starts the bridge and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting hampbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"port", cfg.Listen.Port,
	)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Instance identity ---
	// A stable per-install ID, persisted in the data directory. Scopes
	// the bridge's own availability topic so multiple installs can
	// share a broker.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance identity: %w", err)
	}
	logger.Info("instance identity", "id", instanceID)

	bus := events.New()

	// --- MQTT ---
	mqttClient := mqtt.NewClient(cfg.MQTT, instanceID, bus, logger)
	if err := mqttClient.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := mqttClient.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}()

	// --- Home Assistant ---
	// Optional when devices are configured statically: the registry
	// lookup is skipped and PlayMedia uses media IDs verbatim.
	var resolver mediaplayer.Resolver
	var haWS *homeassistant.WSClient
	var devices []homeassistant.Device

	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := ha.Ping(ctx); err != nil {
			return fmt.Errorf("home assistant unreachable: %w", err)
		}
		if haCfg, err := ha.GetConfig(ctx); err == nil {
			logger.Info("home assistant connected",
				"location", haCfg.LocationName, "version", haCfg.Version)
		}

		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := haWS.Connect(ctx); err != nil {
			return fmt.Errorf("home assistant websocket: %w", err)
		}
		defer haWS.Close()

		resolver, err = homeassistant.NewResolver(haWS, ha.BaseURL(), logger)
		if err != nil {
			return err
		}

		if len(cfg.Devices) == 0 {
			devices, err = homeassistant.NewRegistry(haWS, logger).AgentDevices(ctx)
			if err != nil {
				return err
			}
		}
	} else {
		logger.Warn("home assistant not configured - using static device list only")
	}

	// Static device entries take precedence over the registry.
	for _, d := range cfg.Devices {
		devices = append(devices, homeassistant.Device{ID: d.ID, Name: d.Name})
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices found: configure homeassistant or a static devices list")
	}

	// --- Device mirrors ---
	fleet := mediaplayer.NewFleet()
	for _, d := range devices {
		m, err := mediaplayer.New(mediaplayer.Options{
			DeviceID:  d.ID,
			Name:      d.Name,
			Transport: mqttClient,
			Resolver:  resolver,
			Bus:       bus,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("skipping device", "name", d.Name, "error", err)
			continue
		}
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start mirror %s: %w", d.Name, err)
		}
		if err := fleet.Add(m); err != nil {
			logger.Error("skipping duplicate device", "name", d.Name, "error", err)
			continue
		}
		logger.Info("device mirror started",
			"name", d.Name, "entity_id", m.EntityID(), "command_topic", m.CommandTopic())
	}
	if fleet.Len() == 0 {
		return fmt.Errorf("no device mirrors started")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := fleet.Close(closeCtx); err != nil {
			logger.Error("mirror shutdown failed", "error", err)
		}
	}()

	// --- HTTP server ---
	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, fleet, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// a fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("hampbridge stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
