package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner/internal/api"
	"github.com/Bidon15/nsigner/internal/app"
	"github.com/Bidon15/nsigner/internal/config"
	"github.com/Bidon15/nsigner/internal/housekeeping"
	"github.com/Bidon15/nsigner/internal/rpc"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signing daemon",
	Long: `Run the signing daemon: the JSON-RPC endpoint for local applications,
the control API used by the other nsigner commands, and the periodic
housekeeping jobs.

The vault starts locked unless --unlock is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("unlock", false, "prompt for the vault passphrase before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer memguard.Purge()

	logger.Info("Starting nsigner",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close app", slog.String("error", err.Error()))
		}
	}()

	if unlock, _ := cmd.Flags().GetBool("unlock"); unlock {
		passphrase, err := readSecret("Vault passphrase: ")
		if err != nil {
			return err
		}
		if err := a.Unlock(passphrase); err != nil {
			return fmt.Errorf("unlock vault: %w", err)
		}
		logger.Info("Vault unlocked", slog.Int("keys", len(a.ListKeys())))
	}

	if cfg.Bunker.AutoStart {
		if a.IsUnlocked() {
			uri, err := a.StartBunker(ctx)
			if err != nil {
				logger.Warn("Bunker auto-start failed", slog.String("error", err.Error()))
			} else {
				logger.Info("Bunker listening", slog.String("uri", uri))
			}
		} else {
			logger.Warn("Bunker auto-start skipped, vault is locked")
		}
	}

	rpcServer := rpc.NewServer(rpc.ServerConfig{
		Backend: a,
		Version: version,
		Logger:  logger,
	})
	controlRouter := api.SetupRouter(a, api.RouterConfig{
		Version: version,
		Logger:  logger,
	})

	ipcHTTPServer := newHTTPServer(cfg.IPC, rpcServer.Router())
	controlHTTPServer := newHTTPServer(cfg.Control, controlRouter)

	ipcLn, ipcCleanup, err := listen(cfg.IPC.Address)
	if err != nil {
		return fmt.Errorf("ipc listener: %w", err)
	}
	defer ipcCleanup()
	controlLn, controlCleanup, err := listen(cfg.Control.Address)
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	defer controlCleanup()

	hkCfg := housekeeping.Config{
		Approvals:     a.Approvals(),
		SweepInterval: cfg.Approval.SweepInterval,
		Permissions:   a.Permissions(),
		PruneInterval: cfg.Permission.PruneInterval,
		Logger:        logger,
	}
	if cfg.Security.LockAfter > 0 {
		hkCfg.Locker = a
	}
	hk, err := housekeeping.New(hkCfg)
	if err != nil {
		return err
	}
	hk.Start()

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server, ln net.Listener) {
		logger.Info("Starting "+name+" server", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("JSON-RPC", ipcHTTPServer, ipcLn)
	go serve("control", controlHTTPServer, controlLn)

	logger.Info("nsigner is ready",
		slog.String("ipc", cfg.IPC.Address),
		slog.String("control", cfg.Control.Address),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("Server failed", slog.String("error", serveErr.Error()))
	}

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ipcHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("JSON-RPC server shutdown failed", slog.String("error", err.Error()))
	}
	if err := controlHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control server shutdown failed", slog.String("error", err.Error()))
	}
	if err := hk.Stop(shutdownCtx); err != nil {
		logger.Error("Housekeeping shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("nsigner stopped")
	return serveErr
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

func newHTTPServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// listen opens a tcp listener for host:port, or a unix socket readable
// only by the owner for unix:/path. A stale socket file is replaced.
func listen(address string) (net.Listener, func(), error) {
	path, ok := strings.CutPrefix(address, "unix:")
	if !ok {
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return nil, nil, err
		}
		return ln, func() {}, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, func() { _ = os.Remove(path) }, nil
}
