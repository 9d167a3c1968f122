package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsModeCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodSessionsList, nil)
			if err != nil {
				return err
			}
			var out struct {
				Sessions []sessions.Info `json:"sessions"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			if len(out.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			fmt.Printf("%-32s %-10s %8s  %s\n", "KEY", "KIND", "MESSAGES", "UPDATED")
			for _, s := range out.Sessions {
				fmt.Printf("%-32s %-10s %8d  %s\n", s.Key, s.Kind, s.MessageCount, s.Updated.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func sessionsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-key>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodSessionsHistory, map[string]interface{}{
				"sessionKey": args[0],
				"limit":      limit,
			})
			if err != nil {
				return err
			}
			var out struct {
				Messages []sessions.Message `json:"messages"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			for _, m := range out.Messages {
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the last N messages (0 = all)")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-key>",
		Short: "Delete a session and abort its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callGateway(context.Background(), protocol.MethodSessionsDelete, map[string]string{
				"sessionKey": args[0],
			})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func sessionsModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <session-key> <queue|interrupt|replace>",
		Short: "Set how new messages treat an in-flight run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodSessionsSetMode, map[string]string{
				"sessionKey": args[0],
				"mode":       args[1],
			})
			if err != nil {
				return err
			}
			var out struct {
				SessionKey string `json:"sessionKey"`
				Mode       string `json:"mode"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			fmt.Printf("%s mode set to %s\n", out.SessionKey, out.Mode)
			return nil
		},
	}
}
