package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/devkit/internal/api"
	"github.com/joescharf/devkit/internal/daemon"
	"github.com/joescharf/devkit/internal/refstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only JSON API",
	Long: `Start an HTTP server exposing HAR sessions and the conversation cache as
JSON under /api/v1. By default it listens on 127.0.0.1:8080.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmdContext(cmd.Context()), shutdownSignals()...)
		defer stop()
		return serveStartRun(ctx)
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the API server is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file for a named long-running command.
func pidFile(name string) *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "devkit-"+name+".pid"))
}

func serveStartRun(ctx context.Context) error {
	pf := pidFile("serve")
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	ix, err := getIndexer()
	if err != nil {
		return err
	}
	var refs refstore.Backend
	if s, err := getStore(); err == nil {
		refs = s
	}
	srv := api.NewServer(getManager(), refs, ix, logger).WithThreshold(viper.GetInt("har.ref_threshold"))

	addr := fmt.Sprintf("127.0.0.1:%d", viper.GetInt("serve.port"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	release, err := pf.Acquire()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server %w", err)
	}
	defer release()

	httpSrv := &http.Server{Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	ui.Info("Serving API at http://%s/api/v1", ln.Addr())
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveStatusRun() error {
	if pid, running := pidFile("serve").IsRunning(); running {
		ui.Success("Server running (pid %d) on port %d", pid, viper.GetInt("serve.port"))
		return nil
	}
	ui.Info("Server not running")
	return nil
}

func serveStopRun() error {
	pf := pidFile("serve")
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}
	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	ui.Success("Stopped server (pid %d)", pid)
	return nil
}
