package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lanchat/internal/config"
	"lanchat/internal/discovery"
	"lanchat/internal/hub"
	"lanchat/internal/server"
	"lanchat/internal/status"
	"lanchat/pkg/logger"
)

var (
	flagHost          string
	flagPort          int
	flagUploadDir     string
	flagIdleTimeout   time.Duration
	flagMaxConns      int
	flagNoDiscovery   bool
	flagDiscoveryPort int
	flagAdvertise     string
	flagStatusAddr    string
	flagLogFile       string
	flagDebug         bool
	flagChatEcho      bool
)

var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "LAN chat and file relay server",
	Long: `lanchat runs a chat server for the local network. Clients log in with a
username, exchange public and private messages, and send files to each other
through the server. The server announces itself over UDP broadcast so clients
can find it without configuration.

Settings come from LANCHAT_* environment variables; flags override them.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagHost, "host", "", "Listen host (default 0.0.0.0)")
	f.IntVarP(&flagPort, "port", "p", 0, "TCP port for command and data connections (default 9090)")
	f.StringVar(&flagUploadDir, "upload-dir", "", "Directory for in-flight uploads (default server_uploads)")
	f.DurationVar(&flagIdleTimeout, "idle-timeout", 0, "Close command connections silent for this long (default 5m)")
	f.IntVar(&flagMaxConns, "max-conns", 0, "Maximum concurrent connections, 0 for unlimited (default 512)")
	f.BoolVar(&flagNoDiscovery, "no-discovery", false, "Do not broadcast discovery announcements")
	f.IntVar(&flagDiscoveryPort, "discovery-port", 0, "UDP port announcements are sent to (default 9999)")
	f.StringVar(&flagAdvertise, "advertise", "", "Host to announce to clients (default: detected LAN address)")
	f.StringVar(&flagStatusAddr, "status-addr", "", "Serve the HTTP status API on this address")
	f.StringVar(&flagLogFile, "log-file", "", "Also write logs to this file")
	f.BoolVar(&flagDebug, "debug", false, "Log debug entries")
	f.BoolVar(&flagChatEcho, "chat-echo", false, "Deliver public messages back to their author")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host = flagHost
	}
	if f.Changed("port") {
		cfg.Server.Port = flagPort
	}
	if f.Changed("upload-dir") {
		cfg.Server.UploadDir = flagUploadDir
	}
	if f.Changed("idle-timeout") {
		cfg.Timeouts.Idle = flagIdleTimeout
	}
	if f.Changed("max-conns") {
		cfg.Server.MaxConns = flagMaxConns
	}
	if f.Changed("no-discovery") {
		cfg.Discovery.Enabled = !flagNoDiscovery
	}
	if f.Changed("discovery-port") {
		cfg.Discovery.Port = flagDiscoveryPort
	}
	if f.Changed("advertise") {
		cfg.Discovery.AdvertiseHost = flagAdvertise
	}
	if f.Changed("status-addr") {
		cfg.Status.Addr = flagStatusAddr
	}
	if f.Changed("log-file") {
		cfg.Log.File = flagLogFile
	}
	if f.Changed("debug") {
		cfg.Log.Debug = flagDebug
	}
	if f.Changed("chat-echo") {
		cfg.Server.ChatEcho = flagChatEcho
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Log.File != "" {
		logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		logger.Init(logFile)
	} else {
		logger.Init()
	}
	logger.SetDebug(cfg.Log.Debug)

	h, err := hub.New(hub.Config{
		UploadDir: cfg.Server.UploadDir,
		Port:      cfg.Server.Port,
		ChatEcho:  cfg.Server.ChatEcho,
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg, h)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.Discovery.Enabled {
		b, err := discovery.New(discovery.Config{
			AppName:  cfg.Discovery.AppName,
			Host:     advertiseHost(cfg),
			Port:     h.Port(),
			UDPPort:  cfg.Discovery.Port,
			Interval: cfg.Discovery.Interval,
		})
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		logger.Info("server_address", map[string]interface{}{
			"lan_addr": net.JoinHostPort(b.Announcement().Host, fmt.Sprint(h.Port())),
		})
		g.Go(func() error { return b.Run(ctx) })
	}

	if cfg.Status.Addr != "" {
		st := status.New(cfg.Status.Addr, h)
		g.Go(func() error { return st.Run(ctx) })
	}

	err = g.Wait()
	logger.Info("shutdown_complete", nil)
	return err
}

// advertiseHost picks the host clients are told to connect to: an explicit
// setting, then a concrete listen host, then auto-detection.
func advertiseHost(cfg *config.Config) string {
	if cfg.Discovery.AdvertiseHost != "" {
		return cfg.Discovery.AdvertiseHost
	}
	if ip := net.ParseIP(cfg.Server.Host); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		return ip.String()
	}
	return ""
}
