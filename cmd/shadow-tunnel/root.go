package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shadow-tunnel/internal/application"
	"shadow-tunnel/internal/config"
	"shadow-tunnel/internal/infrastructure/epoll"
	"shadow-tunnel/pkg/logger"
)

// cliFlags holds flag values. Only flags given on the command line override
// the config file.
type cliFlags struct {
	configPath string
	cfg        config.Config
}

func newCLIFlags() *cliFlags {
	return &cliFlags{cfg: config.Default()}
}

func newRootCmd(f *cliFlags) *cobra.Command {
	root := &cobra.Command{
		Use:          "shadow-tunnel",
		Short:        "Encrypted TCP tunnel",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "TOML config file")
	pf.StringVar(&f.cfg.ListenAddr, "listen-addr", f.cfg.ListenAddr, "address to listen on (default all interfaces)")
	pf.IntVarP(&f.cfg.ListenPort, "local", "l", f.cfg.ListenPort, "port to listen on")
	pf.StringVarP(&f.cfg.Password, "password", "c", "", "shared password")
	pf.StringVarP(&f.cfg.Method, "method", "m", f.cfg.Method, "cipher method")
	pf.StringVar(&f.cfg.Mode, "mode", f.cfg.Mode, "scheduling model: reactor or task")
	pf.DurationVar(&f.cfg.IdleTimeout, "idle-timeout", f.cfg.IdleTimeout, "close connections idle for this long")
	pf.StringVar(&f.cfg.DNSServer, "dns", "", "DNS server for destination hostnames (default from /etc/resolv.conf)")
	pf.StringVar(&f.cfg.HostsFile, "hosts-file", "", "hosts file checked before DNS (default /etc/hosts)")
	pf.BoolVarP(&f.cfg.Verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&f.cfg.LogFile, "log-file", "", "write logs to this file instead of stdout")

	root.AddCommand(clientCmd(f), serverCmd(f))
	return root
}

func clientCmd(f *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Accept local CONNECT requests and forward them through the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, config.RoleClient, f)
		},
	}
	cmd.Flags().StringVarP(&f.cfg.RemoteHost, "host", "i", "", "tunnel server host")
	cmd.Flags().IntVarP(&f.cfg.RemotePort, "port", "p", 0, "tunnel server port")
	cmd.Flags().StringVar(&f.cfg.LocalProtocol, "local-protocol", f.cfg.LocalProtocol, "local request format: http or shadow")
	return cmd
}

func serverCmd(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Accept tunnel connections and relay them to their destinations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, config.RoleServer, f)
		},
	}
}

// resolveConfig loads the config file, if any, and applies the flags that
// were set explicitly.
func resolveConfig(cmd *cobra.Command, f *cliFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}

	overrides := map[string]func(){
		"listen-addr":    func() { cfg.ListenAddr = f.cfg.ListenAddr },
		"local":          func() { cfg.ListenPort = f.cfg.ListenPort },
		"password":       func() { cfg.Password = f.cfg.Password },
		"method":         func() { cfg.Method = f.cfg.Method },
		"mode":           func() { cfg.Mode = f.cfg.Mode },
		"idle-timeout":   func() { cfg.IdleTimeout = f.cfg.IdleTimeout },
		"dns":            func() { cfg.DNSServer = f.cfg.DNSServer },
		"hosts-file":     func() { cfg.HostsFile = f.cfg.HostsFile },
		"verbose":        func() { cfg.Verbose = f.cfg.Verbose },
		"log-file":       func() { cfg.LogFile = f.cfg.LogFile },
		"host":           func() { cfg.RemoteHost = f.cfg.RemoteHost },
		"port":           func() { cfg.RemotePort = f.cfg.RemotePort },
		"local-protocol": func() { cfg.LocalProtocol = f.cfg.LocalProtocol },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	return cfg, nil
}

func buildRole(role string, cfg config.Config) (application.Role, error) {
	if role == config.RoleServer {
		return application.NewServerRole(), nil
	}
	server, err := cfg.ServerAddress()
	if err != nil {
		return nil, err
	}
	return application.NewClientRole(server, cfg.LocalProtocol)
}

func run(cmd *cobra.Command, role string, f *cliFlags) error {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(role); err != nil {
		return err
	}

	log, closeLog := logger.Setup(logger.Options{Verbose: cfg.Verbose, File: cfg.LogFile})
	defer closeLog()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	r, err := buildRole(role, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Initializing tunnel...", "role", role, "mode", cfg.Mode, "listen", cfg.ListenString(), "method", cfg.Method)

	if cfg.Mode == config.ModeTask {
		svc, err := application.NewStreamService(log, r, opts)
		if err != nil {
			log.Error("Failed to create tunnel service", "error", err)
			return err
		}
		return svc.Serve(ctx)
	}
	return runReactor(ctx, log, r, opts)
}

func runReactor(ctx context.Context, log *slog.Logger, role application.Role, opts application.Options) error {
	loop, err := epoll.New(epoll.WithTick(application.DefaultSweepInterval), epoll.WithLogger(log))
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		return err
	}
	defer loop.Close()

	d, err := application.NewDispatcher(loop, log, role, opts)
	if err != nil {
		log.Error("Failed to create tunnel service", "error", err)
		return err
	}

	stop := context.AfterFunc(ctx, d.Stop)
	defer stop()

	if err := d.Start(); err != nil {
		log.Error("Tunnel stopped unexpectedly", "error", err)
		return err
	}
	return nil
}
