package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"veilnet-network/core"
	"veilnet-network/pkg/config"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{Use: "veilnetd", Short: "veilnet transport and relay daemon"}
	rootCmd.PersistentFlags().String("env", "", "configuration environment to merge (e.g. testnet)")
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	if env == "" {
		return config.LoadFromEnv()
	}
	return config.Load(env)
}

func setupLogging(cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.Warnf("cannot open log file %s: %v", cfg.Logging.File, err)
			return
		}
		logrus.SetOutput(f)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("veilnetd %s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	dump := &cobra.Command{
		Use:   "dump",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(dump)
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the transport and relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	commands := newNopCommands()
	levin := core.NewHandlerConfig(commands)
	cfg.ApplyLevin(levin)

	mgr, err := core.NewConnectionManager(cfg.NetConfig(), levin)
	if err != nil {
		return err
	}
	if err := mgr.Listen(); err != nil {
		return err
	}

	notifier, err := core.NewNotifier(levin, nopCoreEvents{}, core.ZonePublic, false, cfg.RelayConfig(), nil)
	if err != nil {
		return err
	}
	commands.notifier = notifier

	mgr.AddIdleCallback(time.Minute, func() bool {
		in, out := levin.ConnectionCount()
		logrus.Debugf("veilnetd: %d incoming / %d outgoing connections", in, out)
		return true
	})

	var statusSrv *http.Server
	if addr := cfg.Network.StatusAddr; addr != "" {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		r.Handle("/metrics", promhttp.Handler())
		statusSrv = &http.Server{Addr: addr, Handler: r}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Warnf("veilnetd: status listener: %v", err)
			}
		}()
		logrus.Infof("veilnetd: status endpoint on %s", addr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("veilnetd: shutting down")
	notifier.Stop()
	mgr.SendStopSignal()
	if statusSrv != nil {
		_ = statusSrv.Close()
	}
	return mgr.TimedWaitServerStop(10 * time.Second)
}
