package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
)

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes",
	}
	cmd.AddCommand(newNodeCreateCommand())
	cmd.AddCommand(newNodeDeleteCommand())
	cmd.AddCommand(newNodeGetCommand())
	cmd.AddCommand(newNodeListCommand())
	cmd.AddCommand(newNodeJoinCommand())
	cmd.AddCommand(newNodeLeaveCommand())
	cmd.AddCommand(newNodeCheckCommand())
	cmd.AddCommand(newNodeRecoverCommand())
	return cmd
}

func newNodeCreateCommand() *cobra.Command {
	var (
		name      string
		profileID string
		clusterID string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a node, optionally as a cluster member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, actionID, err := e.svc.CreateNode(cmd.Context(), engine.CreateNodeRequest{
				Name:      name,
				ProfileID: profileID,
				ClusterID: clusterID,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(map[string]any{"node": n, "action_id": actionID})
			}
			fmt.Printf("node %s created\n", n.ID)
			return printAction(actionID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "node name (required)")
	cmd.Flags().StringVar(&profileID, "profile", "", "profile id (required)")
	cmd.Flags().StringVar(&clusterID, "cluster", "", "cluster to join at creation")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func newNodeDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node-id>",
		Short: "Delete a node and its physical resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.DeleteNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newNodeGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <node-id>",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.svc.GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(n)
			}
			fmt.Printf("%s  %s  cluster=%s  index=%d  %s  %s\n",
				n.ID, n.Name, n.ClusterID, n.Index, n.Status, n.PhysicalID)
			return nil
		},
	}
}

func newNodeListCommand() *cobra.Command {
	var clusterID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			nodes, err := e.svc.ListNodes(cmd.Context(), clusterID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(nodes)
			}
			for _, n := range nodes {
				fmt.Printf("%s  %s  cluster=%s  %s\n", n.ID, n.Name, n.ClusterID, n.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterID, "cluster", "", "filter by cluster (empty = all)")
	return cmd
}

func newNodeJoinCommand() *cobra.Command {
	var clusterID string
	cmd := &cobra.Command{
		Use:   "join <node-id>",
		Short: "Join an orphan node to a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.JoinNode(cmd.Context(), args[0], clusterID)
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
	cmd.Flags().StringVar(&clusterID, "cluster", "", "target cluster id (required)")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}

func newNodeLeaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <node-id>",
		Short: "Detach a node from its cluster, keeping the resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.LeaveNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newNodeCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <node-id>",
		Short: "Enqueue a health check against the node's backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.CheckNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}

func newNodeRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <node-id>",
		Short: "Enqueue recovery of a failed node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID, err := e.svc.RecoverNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(actionID)
		},
	}
}
