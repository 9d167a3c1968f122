package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronEnableCmd(true))
	cmd.AddCommand(cronEnableCmd(false))
	return cmd
}

// cronJobView mirrors the cron.list wire shape.
type cronJobView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	To       string `json:"to,omitempty"`
	Enabled  bool   `json:"enabled"`
	Running  bool   `json:"running,omitempty"`
	LastRun  string `json:"lastRun,omitempty"`
	NextRun  string `json:"nextRun,omitempty"`
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodCronList, nil)
			if err != nil {
				return err
			}
			var out struct {
				Jobs []cronJobView `json:"jobs"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			if len(out.Jobs) == 0 {
				fmt.Println("no cron jobs")
				return nil
			}
			fmt.Printf("%-36s %-20s %-16s %-8s %s\n", "ID", "NAME", "SCHEDULE", "ENABLED", "NEXT RUN")
			for _, j := range out.Jobs {
				state := fmt.Sprintf("%v", j.Enabled)
				if j.Running {
					state = "running"
				}
				fmt.Printf("%-36s %-20s %-16s %-8s %s\n", j.ID, j.Name, j.Schedule, state, j.NextRun)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name       string
		schedule   string
		message    string
		sessionKey string
		channel    string
		to         string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a new job",
		Long:  "Add schedules a message to run through the agent on a five-field cron expression. With --channel and --to the result is delivered to that chat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"name":     name,
				"schedule": schedule,
				"message":  message,
			}
			if sessionKey != "" {
				params["sessionKey"] = sessionKey
			}
			if channel != "" {
				params["channel"] = channel
			}
			if to != "" {
				params["to"] = to
			}
			resp, err := callGateway(context.Background(), protocol.MethodCronAdd, params)
			if err != nil {
				return err
			}
			var out struct {
				ID      string `json:"id"`
				NextRun string `json:"nextRun"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			fmt.Printf("added %s (next run %s)\n", out.ID, out.NextRun)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, e.g. \"0 7 * * *\" (required)")
	cmd.Flags().StringVar(&message, "message", "", "message the agent runs (required)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "run in this session instead of an isolated one")
	cmd.Flags().StringVar(&channel, "channel", "", "deliver the result to this channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery recipient on the channel")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callGateway(context.Background(), protocol.MethodCronRemove, map[string]string{"id": args[0]}); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger a job now, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callGateway(context.Background(), protocol.MethodCronRun, map[string]string{"id": args[0]}); err != nil {
				return err
			}
			fmt.Printf("triggered %s\n", args[0])
			return nil
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <job-id>", "Enable a disabled job"
	if !enable {
		use, short = "disable <job-id>", "Disable a job without removing it"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callGateway(context.Background(), protocol.MethodCronEnable, map[string]interface{}{
				"id":      args[0],
				"enabled": enable,
			})
			if err != nil {
				return err
			}
			if enable {
				fmt.Printf("enabled %s\n", args[0])
			} else {
				fmt.Printf("disabled %s\n", args[0])
			}
			return nil
		},
	}
}
