package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve senders knocking on a channel",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodPairingList, nil)
			if err != nil {
				return err
			}
			var out struct {
				Pending []store.PairingRequest `json:"pending"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			if len(out.Pending) == 0 {
				fmt.Println("no pending pairing requests")
				return nil
			}
			fmt.Printf("%-10s %-10s %-24s %s\n", "CODE", "CHANNEL", "SENDER", "REQUESTED")
			for _, p := range out.Pending {
				fmt.Printf("%-10s %-10s %-24s %s\n", p.Code, p.Channel, p.SenderID, p.Created.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and allow the sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callGateway(context.Background(), protocol.MethodPairingApprove, map[string]string{
				"code": args[0],
			})
			if err != nil {
				return err
			}
			var out struct {
				Channel  string `json:"channel"`
				SenderID string `json:"senderId"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}
			fmt.Printf("approved %s on %s\n", out.SenderID, out.Channel)
			return nil
		},
	}
}
