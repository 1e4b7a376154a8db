package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/dirigera-exporter/internal/httpserver"
	"github.com/tinytelemetry/dirigera-exporter/internal/hub"
	"github.com/tinytelemetry/dirigera-exporter/internal/ingest"
	"github.com/tinytelemetry/dirigera-exporter/internal/mapping"
	"github.com/tinytelemetry/dirigera-exporter/internal/proxycheck"
	"github.com/tinytelemetry/dirigera-exporter/internal/service"
	"k8s.io/klog/v2"
)

// shutdownGrace bounds the graceful shutdown after the first signal.
const shutdownGrace = 10 * time.Second

// runServer validates the environment and runs the exporter until a signal.
func runServer(cfg appConfig) error {
	configureLogging(cfg.Verbose)
	defer klog.Flush()

	warnTokenExpiry(cfg.TokenExpiry, time.Now())

	table, err := mapping.Load(cfg.MappingFile)
	if err != nil {
		return fmt.Errorf("loading mapping table: %w", err)
	}

	client, err := newHubClient(cfg)
	if err != nil {
		return err
	}
	if err := pingHub(client, cfg.RequestTimeout); err != nil {
		return err
	}

	if !cfg.NoProxyCheck {
		if err := checkProxy(cfg); err != nil {
			return err
		}
	}

	svc := service.New(service.Config{
		HTTP: httpserver.Config{
			Addr:            cfg.ListenAddr,
			WebPath:         cfg.WebPath,
			Hostname:        cfg.Hostname,
			SecurityContact: cfg.SecurityContact,
			DevMode:         cfg.DevMode,
			Verbose:         cfg.Verbose >= 1,
		},
		Ingest: ingest.Config{
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
			RequestTimeout: cfg.RequestTimeout,
		},
		SocketPath: cfg.SocketPath,
		Version:    version,
		Commit:     commit,
	}, client, table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(shutdownGrace)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	printStartupBanner(cfg, table)

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("exporter: %w", err)
	}
	return nil
}

// klogFlags returns klog's flags for the command line, without -v, which
// belongs to --verbose.
func klogFlags() *flag.FlagSet {
	all := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(all)
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	all.VisitAll(func(f *flag.Flag) {
		if f.Name != "v" {
			fs.Var(f.Value, f.Name, f.Usage)
		}
	})
	return fs
}

// configureLogging sets klog's verbosity from the verbose setting.
func configureLogging(verbose int) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	_ = fs.Set("v", strconv.Itoa(verbose))
}

func newHubClient(cfg appConfig) (*hub.Client, error) {
	client, err := hub.NewClient(hub.Config{
		Address:          cfg.Remote,
		Token:            cfg.Token,
		RequestTimeout:   cfg.RequestTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring hub client: %w", err)
	}
	return client, nil
}

// pingHub checks that the hub answers and accepts the token.
func pingHub(client *hub.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := client.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hub.ErrUnauthorized):
		return fmt.Errorf("the authentication token is not valid: %w", err)
	case errors.Is(err, hub.ErrUnreachable):
		return fmt.Errorf("the Dirigera hub is not reachable: %w", err)
	default:
		return fmt.Errorf("checking the Dirigera hub: %w", err)
	}
}

// checkProxy verifies the reverse proxy forwards client identity headers.
func checkProxy(cfg appConfig) error {
	checker, err := proxycheck.Listen(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer checker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := checker.Verify(ctx, cfg.PublicURL, &http.Client{Timeout: cfg.RequestTimeout}); err != nil {
		return fmt.Errorf("reverse proxy check against %s failed (use --no-proxy-check to skip): %w", cfg.PublicURL, err)
	}
	klog.Infof("reverse proxy check passed for %s", cfg.PublicURL)
	return nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig, table *mapping.Table) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	warn := red.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╦╦═╗╦╔═╗╔═╗╦═╗╔═╗
     ║║║╠╦╝║║ ╦║╣ ╠╦╝╠═╣
    ═╩╝╩╩╚═╩╚═╝╚═╝╩╚═╩ ╩`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Hub"), "")
	lines = append(lines, fmt.Sprintf("    %s  Remote         %s", check, cyan.Render(cfg.Remote)))
	if cfg.TokenExpiry.IsZero() {
		lines = append(lines, fmt.Sprintf("    %s  Token expiry   %s", dot, dim.Render("none")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Token expiry   %s", check, dim.Render(cfg.TokenExpiry.Format(time.DateOnly))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, cyan.Render("http://"+cfg.ListenAddr+cfg.WebPath+"/metrics")))
	lines = append(lines, fmt.Sprintf("    %s  Public URL     %s", check, cyan.Render(cfg.PublicURL)))
	if cfg.SocketPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Admin Socket   %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Admin Socket   %s", dot, dim.Render("disabled")))
	}
	switch {
	case cfg.DevMode:
		lines = append(lines, fmt.Sprintf("    %s  Proxy Check    %s", warn, red.Render("UNSAFE development mode")))
	case cfg.NoProxyCheck:
		lines = append(lines, fmt.Sprintf("    %s  Proxy Check    %s", dot, dim.Render("skipped")))
	default:
		lines = append(lines, fmt.Sprintf("    %s  Proxy Check    %s", check, dim.Render("passed")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Mapping"), "")
	mode := "explicit rules only"
	if table.Auto() {
		mode = "explicit rules + auto"
	}
	lines = append(lines, fmt.Sprintf("    %s  Rules          %s", check, dim.Render(fmt.Sprintf("%d (%s)", len(table.Rules()), mode))))
	if cfg.MappingFile != "" {
		lines = append(lines, fmt.Sprintf("    %s  Mapping File   %s", check, dim.Render(shortenPath(cfg.MappingFile))))
	}
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
