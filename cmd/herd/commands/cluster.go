package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
)

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}
	cmd.AddCommand(newClusterCreateCommand())
	cmd.AddCommand(newClusterDeleteCommand())
	cmd.AddCommand(newClusterGetCommand())
	cmd.AddCommand(newClusterListCommand())
	cmd.AddCommand(newClusterResizeCommand())
	cmd.AddCommand(newClusterScaleCommand("scale-in"))
	cmd.AddCommand(newClusterScaleCommand("scale-out"))
	cmd.AddCommand(newClusterCheckCommand())
	cmd.AddCommand(newClusterRecoverCommand())
	cmd.AddCommand(newClusterPolicyCommand())
	return cmd
}

func newClusterCreateCommand() *cobra.Command {
	var (
		name      string
		profileID string
		desired   int
		minSize   int
		maxSize   int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cluster and enqueue its provisioning",
		Example: `  herd cluster create --name web --profile <profile-id> --desired 3 --max 10`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			c, actionID, err := e.svc.CreateCluster(cmd.Context(), engine.CreateClusterRequest{
				Name:            name,
				ProfileID:       profileID,
				DesiredCapacity: desired,
				MinSize:         minSize,
				MaxSize:         maxSize,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(map[string]any{"cluster": c, "action_id": actionID})
			}
			fmt.Printf("cluster %s created\n", c.ID)
			return printAction(actionID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "cluster name (required)")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id (required)")
	cmd.Flags().IntVar(&desired, "desired", 0, "desired capacity")
	cmd.Flags().IntVar(&minSize, "min", 0, "minimum size")
	cmd.Flags().IntVar(&maxSize, "max", 0, "maximum size (0 = unbounded)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func newClusterDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cluster-id>",
		Short: "Delete a cluster and all its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.DeleteCluster(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newClusterGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cluster-id>",
		Short: "Show a cluster and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			c, err := e.svc.GetCluster(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			nodes, err := e.svc.ListNodes(cmd.Context(), c.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(map[string]any{"cluster": c, "nodes": nodes})
			}
			fmt.Printf("%s  %s  profile=%s  desired=%d  [%d..%d]  %s\n",
				c.ID, c.Name, c.ProfileID, c.DesiredCapacity, c.MinSize, c.MaxSize, c.Status)
			for _, n := range nodes {
				fmt.Printf("  %s  %s  index=%d  %s  %s\n", n.ID, n.Name, n.Index, n.Status, n.PhysicalID)
			}
			return nil
		},
	}
}

func newClusterListCommand() *cobra.Command {
	var (
		marker string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			clusters, err := e.svc.ListClusters(cmd.Context(), marker, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(clusters)
			}
			for _, c := range clusters {
				fmt.Printf("%s  %s  desired=%d  %s\n", c.ID, c.Name, c.DesiredCapacity, c.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&marker, "marker", "", "pagination marker (last seen id)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = store default)")
	return cmd
}

func newClusterResizeCommand() *cobra.Command {
	var desired int
	cmd := &cobra.Command{
		Use:   "resize <cluster-id>",
		Short: "Resize a cluster to an exact capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.ResizeCluster(cmd.Context(), args[0], desired)
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
	cmd.Flags().IntVar(&desired, "desired", 0, "new desired capacity (required)")
	_ = cmd.MarkFlagRequired("desired")
	return cmd
}

func newClusterScaleCommand(direction string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   direction + " <cluster-id>",
		Short: "Scale a cluster " + map[string]string{"scale-in": "down", "scale-out": "up"}[direction],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var actionID string
			if direction == "scale-in" {
				actionID, err = e.svc.ScaleInCluster(cmd.Context(), args[0], count)
			} else {
				actionID, err = e.svc.ScaleOutCluster(cmd.Context(), args[0], count)
			}
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of nodes")
	return cmd
}

func newClusterCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <cluster-id>",
		Short: "Enqueue a health check of every member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.CheckCluster(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newClusterRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <cluster-id>",
		Short: "Enqueue recovery of the cluster's failed members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.RecoverCluster(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newClusterPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage a cluster's policy bindings",
	}

	var (
		priority int
		enabled  bool
	)
	attach := &cobra.Command{
		Use:   "attach <cluster-id> <policy-id>",
		Short: "Bind a policy to a cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var prio *int
			if cmd.Flags().Changed("priority") {
				prio = &priority
			}
			var en *bool
			if cmd.Flags().Changed("enabled") {
				en = &enabled
			}
			actionID, err := e.svc.AttachPolicy(cmd.Context(), args[0], args[1], prio, en)
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
	attach.Flags().IntVar(&priority, "priority", 0, "pipeline position (lower runs first)")
	attach.Flags().BoolVar(&enabled, "enabled", true, "whether the binding is active")
	cmd.AddCommand(attach)

	var (
		updPriority int
		updEnabled  bool
	)
	update := &cobra.Command{
		Use:   "update <cluster-id> <policy-id>",
		Short: "Change the priority or enablement of a binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var prio *int
			if cmd.Flags().Changed("priority") {
				prio = &updPriority
			}
			var en *bool
			if cmd.Flags().Changed("enabled") {
				en = &updEnabled
			}
			actionID, err := e.svc.UpdatePolicyBinding(cmd.Context(), args[0], args[1], prio, en)
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
	update.Flags().IntVar(&updPriority, "priority", 0, "new pipeline position")
	update.Flags().BoolVar(&updEnabled, "enabled", true, "new enablement")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:   "detach <cluster-id> <policy-id>",
		Short: "Remove a policy binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.DetachPolicy(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	})

	return cmd
}
