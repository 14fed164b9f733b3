// Package cli implements jobctl, a command-line client for the listingintel
// job API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/pkg/client"
	"github.com/kiranshivaraju/listingintel/pkg/client/cache"
	"github.com/kiranshivaraju/listingintel/pkg/client/keepalive"
	"github.com/kiranshivaraju/listingintel/pkg/client/transport"
	"github.com/spf13/cobra"
)

// AppName is the binary name.
const AppName = "jobctl"

// Execute runs the root command.
func Execute(version string) error {
	return NewRootCmd(version).ExecuteContext(context.Background())
}

type app struct {
	cfg     *config.ClientConfig
	jsonOut bool
	verbose bool
}

// NewRootCmd creates the jobctl root command.
func NewRootCmd(version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Start and follow listing analyses",
		Long:          "jobctl starts analysis jobs on a listingintel server and follows them to completion. Interrupted runs can be resumed with attach.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("server", "", "server base URL (env LISTINGINTEL_SERVER)")
	cmd.PersistentFlags().String("api-key", "", "API key (env LISTINGINTEL_API_KEY)")
	cmd.PersistentFlags().String("cache-dir", "", "directory for cached job state (env LISTINGINTEL_CACHE_DIR)")
	cmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(
		newStartCmd(a),
		newAttachCmd(a),
		newCancelCmd(a),
		newClearCmd(a),
		newListCmd(a),
	)

	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL, _ = flags.GetString("server")
	}
	if flags.Changed("api-key") {
		cfg.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir, _ = flags.GetString("cache-dir")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	return nil
}

// session bundles what one command invocation needs to talk to the server.
type session struct {
	cfg     *config.ClientConfig
	hot     *cache.Store
	results *cache.Store
	api     *client.HTTPAPI
	ka      *keepalive.KeepAlive

	stopSignals func()
}

func (a *app) newSession() (*session, error) {
	if a.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	hot, err := cache.NewHotCache(a.cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	results, err := cache.NewSessionCache(a.cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	retries := a.cfg.MaxRetries
	if retries == 0 {
		// Options treats zero as "use the default".
		retries = -1
	}
	exec := transport.NewExecutor(nil)
	api := client.NewHTTPAPI(a.cfg.ServerURL, a.cfg.APIKey, exec, transport.Options{
		Timeout:    a.cfg.RequestTimeout,
		MaxRetries: retries,
	})

	ka := keepalive.New(a.cfg.KeepAliveInterval)
	return &session{
		cfg:         a.cfg,
		hot:         hot,
		results:     results,
		api:         api,
		ka:          ka,
		stopSignals: watchVisibility(ka),
	}, nil
}

// orchestrator creates an Orchestrator over the session with the given
// callbacks.
func (s *session) orchestrator(callbacks client.Config) *client.Orchestrator {
	cfg := callbacks
	cfg.API = s.api
	cfg.Hot = s.hot
	cfg.Session = s.results
	cfg.KeepAlive = s.ka
	cfg.PollInterval = s.cfg.PollInterval
	return client.NewOrchestrator(cfg)
}

func (s *session) close() {
	s.stopSignals()
	s.ka.Close()
}
