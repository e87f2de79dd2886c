package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage policy objects",
	}
	cmd.AddCommand(newPolicyCreateCommand())
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyCreateCommand() *cobra.Command {
	var (
		name     string
		typeTag  string
		priority int
		specFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy object",
		Example: `  herd policy create --name drain-oldest \
    --type openherd.policy.deletion --spec ./deletion.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("failed to read spec file: %w", err)
			}
			// Building the policy validates the spec before anything is stored.
			if _, err := policy.NewRegistry().Build(typeTag, spec); err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			p, err := e.svc.CreatePolicy(cmd.Context(), engine.CreatePolicyRequest{
				Name:     name,
				Type:     typeTag,
				Priority: priority,
				Spec:     spec,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(p)
			}
			fmt.Printf("policy %s created\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "policy name (required)")
	cmd.Flags().StringVar(&typeTag, "type", "", "policy type tag (required)")
	cmd.Flags().IntVar(&priority, "priority", 0, "default pipeline position")
	cmd.Flags().StringVar(&specFile, "spec", "", "JSON spec file (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policy objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			policies, err := e.svc.ListPolicies(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(policies)
			}
			for _, p := range policies {
				fmt.Printf("%s  %s  %s  priority=%d\n", p.ID, p.Name, p.Type, p.Priority)
			}
			return nil
		},
	}
}
