package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pseudocoder/pairhost/internal/auth"
	"github.com/pseudocoder/pairhost/internal/config"
	"github.com/pseudocoder/pairhost/internal/events"
	"github.com/pseudocoder/pairhost/internal/ipc"
	"github.com/pseudocoder/pairhost/internal/logging"
	"github.com/pseudocoder/pairhost/internal/mdns"
	"github.com/pseudocoder/pairhost/internal/pairing"
	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
	"github.com/pseudocoder/pairhost/internal/storage"
	hosttls "github.com/pseudocoder/pairhost/internal/tls"
	"github.com/pseudocoder/pairhost/internal/transport"
	"github.com/pseudocoder/pairhost/internal/transport/execbridge"
	"github.com/pseudocoder/pairhost/internal/transport/wsbridge"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

// hostFlags are the host start flags that override the config file.
type hostFlags struct {
	configPath    string
	addr          string
	dataDir       string
	logLevel      string
	logFormat     string
	transport     string
	bridgeURL     string
	bridgeCommand string
	startWaitMs   int
	maxSessions   int
	resume        bool
	trustLoopback bool
	tls           bool
	controlSocket string
	mdns          bool
	mdnsName      string
}

func newHostCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the host or check on a running one",
	}
	cmd.AddCommand(newHostStartCommand(), newHostStatusCommand(opts))
	return cmd
}

func newHostStartCommand() *cobra.Command {
	hf := &hostFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the host in the foreground",
		Long: `Start the host in the foreground. Settings come from the config file
(~/.pairhost/config.toml, or --config); flags given on the command line
override it. SIGINT or SIGTERM shuts the host down and closes every
session without deleting credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadHostConfig(cmd, hf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	hf.register(cmd.Flags())
	return cmd
}

func (hf *hostFlags) register(f *pflag.FlagSet) {
	f.StringVar(&hf.configPath, "config", "", "Config file (TOML, or YAML by extension)")
	f.StringVar(&hf.addr, "listen", "", "Listen address (default: "+config.DefaultAddr+")")
	f.StringVar(&hf.dataDir, "data-dir", "", "State directory (default: ~/.pairhost)")
	f.StringVar(&hf.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&hf.logFormat, "log-format", "", "Log format: console or json")
	f.StringVar(&hf.transport, "transport", "", "Transport: ws or exec")
	f.StringVar(&hf.bridgeURL, "bridge-url", "", "Bridge WebSocket URL (ws transport)")
	f.StringVar(&hf.bridgeCommand, "bridge-command", "", "Bridge helper executable (exec transport)")
	f.IntVar(&hf.startWaitMs, "start-wait-ms", 0, "Block start requests until the session settles, up to this long")
	f.IntVar(&hf.maxSessions, "max-sessions", 0, "Maximum concurrent sessions")
	f.BoolVar(&hf.resume, "resume", false, "Restart sessions that were live at the last shutdown")
	f.BoolVar(&hf.trustLoopback, "trust-loopback", false, "Let local requests skip the API token")
	f.BoolVar(&hf.tls, "tls", false, "Serve HTTPS with a self-signed certificate")
	f.StringVar(&hf.controlSocket, "control-socket", "", `Local control socket path, or "off" (default: <data-dir>/pairhost.sock)`)
	f.BoolVar(&hf.mdns, "mdns", false, "Advertise the host over mDNS (LAN-visible)")
	f.StringVar(&hf.mdnsName, "mdns-name", "", "mDNS instance name (default: hostname)")
}

// loadHostConfig reads the config file and lets explicit flags win.
func loadHostConfig(cmd *cobra.Command, hf *hostFlags) (*config.Config, error) {
	cfg, err := config.Load(hf.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Addr = hf.addr
	}
	if f.Changed("data-dir") {
		cfg.DataDir = hf.dataDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = hf.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = hf.logFormat
	}
	if f.Changed("transport") {
		cfg.Transport = hf.transport
	}
	if f.Changed("bridge-url") {
		cfg.BridgeURL = hf.bridgeURL
	}
	if f.Changed("bridge-command") {
		cfg.BridgeCommand = hf.bridgeCommand
	}
	if f.Changed("start-wait-ms") {
		cfg.StartWaitMs = hf.startWaitMs
	}
	if f.Changed("max-sessions") {
		cfg.MaxSessions = hf.maxSessions
	}
	// Boolean flags apply only when set, so --resume=false can override
	// the file.
	if f.Changed("resume") {
		cfg.ResumeSessions = hf.resume
	}
	if f.Changed("trust-loopback") {
		cfg.TrustLoopback = hf.trustLoopback
	}
	if f.Changed("tls") {
		cfg.TLSEnabled = hf.tls
	}
	if f.Changed("control-socket") {
		cfg.ControlSocket = hf.controlSocket
	}
	if f.Changed("mdns") {
		cfg.MdnsEnabled = hf.mdns
	}
	if f.Changed("mdns-name") {
		cfg.MdnsName = hf.mdnsName
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newOpener builds the transport selected by cfg.
func newOpener(cfg *config.Config, logger zerolog.Logger) (transport.Opener, error) {
	logger = logging.Component(logger, "transport")
	switch cfg.Transport {
	case config.TransportExec:
		return execbridge.New(execbridge.Config{
			Command: cfg.BridgeCommand,
			Args:    cfg.BridgeArgs,
			Logger:  logger,
		})
	default:
		return wsbridge.New(wsbridge.Config{URL: cfg.BridgeURL, Logger: logger})
	}
}

// runHost wires the host together and blocks until ctx is done.
func runHost(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.CredentialDir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath, storage.WithLogger(logging.Component(logger, "storage")))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	bus := events.NewBus(0, logging.Component(logger, "events"))
	defer bus.Close()

	opener, err := newOpener(cfg, logger)
	if err != nil {
		return err
	}

	manager, err := session.NewManager(session.Config{
		Opener: opener,
		Pairing: pairing.NewCoordinator(pairing.Config{
			TTL:    cfg.ArtifactTTL(),
			Logger: logging.Component(logger, "pairing"),
		}),
		Policy: session.ReconnectPolicy{
			MaxRetries: cfg.MaxRetries,
			Initial:    cfg.RetryInitial(),
			Max:        cfg.RetryMax(),
			Multiplier: cfg.RetryMultiplier,
		},
		CredentialDir: cfg.CredentialDir,
		MaxSessions:   cfg.MaxSessions,
		StartWait:     cfg.StartWait(),
		Store:         store,
		OnChange: func(snap session.Snapshot) {
			if err := bus.Publish(snap.Identity, snap); err != nil {
				logger.Warn().Err(err).Str("identity", snap.Identity).Msg("failed to publish snapshot")
			}
		},
		Logger: logging.Component(logger, "session"),
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(cfg.APITokenHash)
	if err != nil {
		return fmt.Errorf("invalid api_token_hash: %w", err)
	}
	middleware := auth.NewMiddleware(validator, cfg.TrustLoopback, logging.Component(logger, "auth"), server.HealthPath)

	scheme := "http"
	var cert *hosttls.Info
	var serverTLS *tls.Config
	if cfg.TLSEnabled {
		cert, err = hosttls.Ensure(hosttls.Config{CertPath: cfg.TLSCertPath, KeyPath: cfg.TLSKeyPath})
		if err != nil {
			return err
		}
		if serverTLS, err = hosttls.ServerConfig(cert); err != nil {
			return err
		}
		if cert.Generated {
			logger.Info().Str("path", cert.CertPath).Msg("generated TLS certificate")
		}
		scheme = "https"
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Addr,
		Manager:         manager,
		Bus:             bus,
		Auth:            middleware,
		StartRatePerSec: cfg.StartRatePerSec,
		TLSConfig:       serverTLS,
		Logger:          logging.Component(logger, "server"),
	})
	if err != nil {
		return err
	}
	if err := <-srv.StartAsync(); err != nil {
		manager.CloseAll(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Fprintf(stdout, "pairhost %s listening on %s://%s\n", Version, scheme, srv.Addr())
	if cert != nil {
		fmt.Fprintf(stdout, "TLS fingerprint: %s\n", cert.Fingerprint)
	}
	fmt.Fprintf(stdout, "Transport: %s\n", cfg.Transport)
	if validator.Enabled() {
		fmt.Fprintln(stdout, "API token: required")
	} else {
		fmt.Fprintln(stdout, "API token: DISABLED (set api_token_hash to require one)")
	}

	var control *ipc.ControlSocket
	if cfg.ControlSocket != config.ControlSocketOff {
		control = ipc.NewControlSocket(cfg.ControlSocket, srv.LocalHandler(), logging.Component(logger, "ipc"))
		if err := control.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start control socket: %v\n", err)
			control = nil
		} else {
			fmt.Fprintf(stdout, "Control socket: %s\n", control.Path())
		}
	}

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		mc := mdns.Config{
			Port:        portOf(srv.Addr()),
			Name:        cfg.MdnsName,
			RequireAuth: validator.Enabled(),
			Logger:      logging.Component(logger, "mdns"),
		}
		if cert != nil {
			mc.Fingerprint = cert.Fingerprint
		}
		advertiser = mdns.NewAdvertiser(mc)
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	if cfg.ResumeSessions {
		n, err := manager.Resume(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to resume sessions")
		} else if n > 0 {
			fmt.Fprintf(stdout, "Resumed %d session(s)\n", n)
		}
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "\nShutting down...")

	if advertiser != nil {
		advertiser.Stop()
	}
	if control != nil {
		if err := control.Stop(); err != nil {
			logger.Warn().Err(err).Msg("failed to stop control socket")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return srv.Shutdown(gctx) })
	g.Go(func() error { return manager.CloseAll(gctx) })
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	return nil
}

// portOf returns the numeric port of a host:port address, or 0.
func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func newHostStatusCommand(opts *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a host is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health server.HealthResponse
			if err := callAPI(cmd, opts, http.MethodGet, server.HealthPath, nil, nil, &health); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), health)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:    %s\n", health.Status)
			fmt.Fprintf(w, "Address:   %s\n", health.ListeningAddress)
			fmt.Fprintf(w, "Sessions:  %d\n", health.Sessions)
			fmt.Fprintf(w, "Clients:   %d\n", health.ConnectedClients)
			fmt.Fprintf(w, "Uptime:    %s\n", time.Duration(health.UptimeSeconds)*time.Second)
			fmt.Fprintf(w, "Auth:      %v\n", health.RequireAuth)
			fmt.Fprintf(w, "TLS:       %v\n", health.TLS)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
