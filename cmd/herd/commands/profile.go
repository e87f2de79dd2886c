package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage profiles",
	}
	cmd.AddCommand(newProfileCreateCommand())
	cmd.AddCommand(newProfileGetCommand())
	return cmd
}

func newProfileCreateCommand() *cobra.Command {
	var (
		name     string
		driver   string
		specFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a profile from a driver spec file",
		Long: `Create a profile. The spec file is JSON and is validated against
the driver's schema before the profile is stored. Profiles are immutable;
to change one, create a new profile and update the cluster.`,
		Example: `  herd profile create --name small --driver hcloud --spec ./small.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("failed to read spec file: %w", err)
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			p, err := e.svc.CreateProfile(cmd.Context(), engine.CreateProfileRequest{
				Name:   name,
				Driver: driver,
				Spec:   spec,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(p)
			}
			fmt.Printf("profile %s created\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "profile name (required)")
	cmd.Flags().StringVar(&driver, "driver", "", "backend driver (required)")
	cmd.Flags().StringVar(&specFile, "spec", "", "JSON spec file (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("driver")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newProfileGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <profile-id>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			p, err := e.store.GetProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(p)
			}
			fmt.Printf("%s  %s  driver=%s\n%s\n", p.ID, p.Name, p.Driver, p.Spec)
			return nil
		},
	}
}
