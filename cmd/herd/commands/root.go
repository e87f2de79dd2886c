// Package commands implements the herd CLI: the serve daemon plus the
// cluster, node, profile, policy, and action verbs that drive it through
// the shared store.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/config"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/profile"
	"github.com/openherd/openherd/pkg/stores"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "herd",
		Short: "OpenHerd - clustering control plane",
		Long: `OpenHerd manages homogeneous clusters of cloud resources through
durable asynchronous actions: creation, scaling, health recovery, and
policy-driven decision making.

The serve command runs the control plane; the other verbs enqueue work
against the same store and print the action id to follow.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newClusterCommand())
	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newActionCommand())

	return rootCmd
}

// env bundles the store and service a one-shot command needs. The CLI
// shares the daemon's database; enqueued actions are picked up by the
// running dispatcher.
type env struct {
	cfg   *config.Config
	store engine.Store
	svc   *engine.Service
	close func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var admit engine.AdmissionChecker
	if cfg.Policy.AdmissionPath != "" {
		source, err := os.ReadFile(cfg.Policy.AdmissionPath)
		if err != nil {
			closer()
			return nil, fmt.Errorf("failed to read admission module: %w", err)
		}
		checker, err := policy.NewAdmission(string(source), log.Logger)
		if err != nil {
			closer()
			return nil, err
		}
		admit = checker
	}

	profiles, err := profile.NewValidator()
	if err != nil {
		closer()
		return nil, err
	}

	svc := engine.NewService(store, profiles, admit, log.Logger)
	return &env{cfg: cfg, store: store, svc: svc, close: closer}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (engine.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		return stores.NewMemStore(), func() {}, nil
	}

	s, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// printResult renders either JSON or a terse human line per field.
func printResult(v any) error {
	if jsonOutput {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	switch t := v.(type) {
	case string:
		fmt.Println(t)
	default:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

// printAction reports the id of an enqueued action.
func printAction(actionID string) error {
	if jsonOutput {
		return printResult(map[string]string{"action_id": actionID})
	}
	fmt.Printf("action %s enqueued\n", actionID)
	return nil
}
