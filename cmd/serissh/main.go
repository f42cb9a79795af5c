package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/websoft9/serissh/internal/config"
	"github.com/websoft9/serissh/internal/server"
	"github.com/websoft9/serissh/internal/sshd"
	"github.com/websoft9/serissh/internal/supervisor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newRootCmd binds flags onto cfg. Flag defaults come from the environment,
// so an explicit flag wins.
func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serissh",
		Short: "Expose a serial device, or a fresh pty per session, over SSH",
		Long: "serissh accepts password-authenticated SSH sessions and relays each\n" +
			"interactive shell to the configured serial device. Without --serial\n" +
			"every session gets its own pseudo-terminal; attach to it with the\n" +
			"slave path printed in the log.",
		Version:      cfg.Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			setupLogger(cfg)
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.HostKeyPath, "host-key", cfg.HostKeyPath, "host key file, generated when missing")
	f.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "address to listen on")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "SSH port")
	f.StringVarP(&cfg.User, "user", "u", cfg.User, "login user")
	f.StringVar(&cfg.Password, "password", cfg.Password, "login password")
	f.StringVarP(&cfg.SerialPath, "serial", "s", cfg.SerialPath, "serial device; empty allocates a pty per session")
	f.IntVarP(&cfg.Baud, "baud", "b", cfg.Baud, "serial baud rate")
	f.StringVar(&cfg.Framing, "framing", cfg.Framing, "serial data bits, parity and stop bits, e.g. 8N1 or 7E1")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for health, sessions and web terminal; empty disables")
	f.DurationVar(&cfg.GraceTimeout, "grace-timeout", cfg.GraceTimeout, "how long shutdown waits for sessions to close")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or pretty")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	framing, err := cfg.DeviceFraming()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Str("serial", cfg.SerialPath).
		Msg("Starting serissh")

	sup := supervisor.New(
		supervisor.Config{SerialPath: cfg.SerialPath, Baud: cfg.Baud, Framing: framing},
		supervisor.NewRegistry(),
		supervisor.WithAuditLogger(log.With().Str("component", "audit").Logger()),
	)
	creds := sshd.StaticCredentials{User: cfg.User, Password: cfg.Password}

	sshSrv := &sshd.Server{
		ListenAddr:  cfg.SSHAddr(),
		HostKeyPath: cfg.HostKeyPath,
		Auth:        creds,
		Sessions:    sup,
		RateLimit:   rate.Limit(cfg.RateLimit),
		MaxPending:  cfg.MaxPending,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sshSrv.ListenAndServe(gctx)
	})

	var httpSrv *server.Server
	if cfg.HTTPAddr != "" {
		httpSrv = server.New(cfg, sup, creds)
		g.Go(func() error {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
			if err := httpSrv.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Graceful shutdown with timeout
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GraceTimeout)
		defer cancel()

		var errs []error
		if httpSrv != nil {
			errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		errs = append(errs, sup.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
