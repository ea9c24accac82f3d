package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/udi/polyglot/internal/audit"
	"github.com/udi/polyglot/internal/config"
	"github.com/udi/polyglot/internal/logging"
	"github.com/udi/polyglot/internal/manager"
	"github.com/udi/polyglot/internal/polyconfig"
	"github.com/udi/polyglot/internal/restclient"
	"github.com/udi/polyglot/internal/router"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "polyglotd",
		Short: "Polyglot node-server mediator",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("config-dir", "/var/polyglot/config", "directory holding configuration.json and node-server sandboxes")
	f.String("platforms-dir", "/var/polyglot/platforms", "directory of installable node-server platforms")
	f.String("listen-addr", ":3000", "address the controller-facing HTTP listener binds to")
	f.String("controller-scheme", "https", "controller URL scheme (http or https)")
	f.String("controller-host", "127.0.0.1", "controller hostname or address")
	f.Int("controller-port", 8443, "controller port")
	f.String("controller-user", "", "controller REST basic-auth username")
	f.String("controller-password", "", "controller REST basic-auth password")
	f.String("broker-addr", "", "MQTT broker address (not read: broker platforms take theirs from server.json)")
	f.Duration("controller-timeout", 30*time.Second, "controller REST call timeout")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("config_dir", "config-dir")
	bindFlag("platforms_dir", "platforms-dir")
	bindFlag("listen_addr", "listen-addr")
	bindFlag("controller_scheme", "controller-scheme")
	bindFlag("controller_host", "controller-host")
	bindFlag("controller_port", "controller-port")
	bindFlag("controller_user", "controller-user")
	bindFlag("controller_password", "controller-password")
	bindFlag("broker_addr", "broker-addr")
	bindFlag("controller_timeout", "controller-timeout")

	// CLAUDEOPS_* became POLYGLOT_*; PG_NOSESSIONS/PG_RETRIES stay as-is
	// (internal/restclient.New reads those two directly, matching
	// spec.md §6's legacy names rather than the POLYGLOT_ prefix).
	viper.SetEnvPrefix("POLYGLOT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log := logging.New("polyglot")
	fmt.Printf("Polyglot starting\n")
	fmt.Printf("  Config dir:    %s\n", cfg.ConfigDir)
	fmt.Printf("  Platforms dir: %s\n", cfg.PlatformsDir)
	fmt.Printf("  Listen addr:   %s\n", cfg.ListenAddr)
	fmt.Printf("  Controller:    %s://%s:%d\n", cfg.ControllerScheme, cfg.ControllerHost, cfg.ControllerPort)
	fmt.Println()

	cfgMgr, err := polyconfig.New(cfg.ConfigDir, log.WithComponent("config"))
	if err != nil {
		return fmt.Errorf("open config directory: %w", err)
	}

	rest := restclient.New(restclient.Config{
		Scheme:   cfg.ControllerScheme,
		Host:     cfg.ControllerHost,
		Port:     cfg.ControllerPort,
		Username: cfg.ControllerUser,
		Password: cfg.ControllerPassword,
		Timeout:  cfg.ControllerTimeout,
	}, log.WithComponent("rest"))

	history, err := audit.Open(filepath.Join(cfg.ConfigDir, "audit.db"), log.WithComponent("audit"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer history.Close() //nolint:errcheck

	mgr, err := manager.New(manager.Deps{
		PlatformsDir: cfg.PlatformsDir,
		Config:       cfgMgr,
		Rest:         rest,
		Privilege:    router.NewPrivilege(),
		Log:          log.WithComponent("manager"),
		Audit:        history.Append,
		ListenAddr:   cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Load(ctx)

	listener := mgr.Listener()
	go func() {
		if err := listener.Start(); err != nil {
			log.Error("http listener: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info("received %s, shutting down", sig)
	cancel()

	if err := mgr.Unload(); err != nil {
		log.Error("unload: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := listener.Shutdown(shutdownCtx); err != nil {
		log.Error("http listener shutdown: %v", err)
	}

	return nil
}
