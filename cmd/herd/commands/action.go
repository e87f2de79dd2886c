package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Inspect and control actions",
	}
	cmd.AddCommand(newActionGetCommand())
	cmd.AddCommand(newActionListCommand())
	cmd.AddCommand(newActionEventsCommand())
	cmd.AddCommand(newActionSignalCommand("cancel", "Request cancellation of an action"))
	cmd.AddCommand(newActionSignalCommand("suspend", "Suspend a running action"))
	cmd.AddCommand(newActionSignalCommand("resume", "Resume a suspended action"))
	return cmd
}

func newActionGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show an action and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			a, err := e.svc.GetAction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(a)
			}
			fmt.Printf("%s  %s  target=%s  %s", a.ID, a.Operation, a.Target, a.Status)
			if a.StatusReason != "" {
				fmt.Printf("  (%s)", a.StatusReason)
			}
			fmt.Println()
			for _, dep := range a.DependsOn {
				fmt.Printf("  depends on %s\n", dep)
			}
			if len(a.Outputs) > 0 {
				fmt.Printf("  outputs: %s\n", a.Outputs)
			}
			return nil
		},
	}
}

func newActionListCommand() *cobra.Command {
	var (
		statuses []string
		target   string
		op       string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		Example: `  # Pending work
  herd action list --status READY --status WAITING

  # Everything that touched one cluster
  herd action list --target <cluster-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			f := engine.ActionFilter{
				Target:    target,
				Operation: engine.Operation(op),
				Limit:     limit,
			}
			for _, s := range statuses {
				f.Status = append(f.Status, engine.Status(s))
			}

			actions, err := e.svc.ListActions(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(actions)
			}
			for _, a := range actions {
				fmt.Printf("%s  %s  target=%s  %s\n", a.ID, a.Operation, a.Target, a.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&target, "target", "", "filter by target object id")
	cmd.Flags().StringVar(&op, "operation", "", "filter by operation")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = store default)")
	return cmd
}

func newActionEventsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [action-id]",
		Short: "Show the event log, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			actionID := ""
			if len(args) > 0 {
				actionID = args[0]
			}
			events, err := e.svc.ListEvents(cmd.Context(), actionID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(events)
			}
			for _, ev := range events {
				fmt.Printf("%s  %s  action=%s  %s\n",
					ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Level, ev.ActionID, ev.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	return cmd
}

func newActionSignalCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			switch verb {
			case "cancel":
				err = e.svc.CancelAction(cmd.Context(), args[0])
			case "suspend":
				err = e.svc.SuspendAction(cmd.Context(), args[0])
			case "resume":
				err = e.svc.ResumeAction(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printResult(map[string]string{"action_id": args[0], "signal": verb})
			}
			fmt.Printf("%s signal delivered to %s\n", verb, args[0])
			return nil
		},
	}
}
