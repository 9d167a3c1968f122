package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what a running gateway is doing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(ctx, "", protocol.MethodStatus, nil)
			if err != nil {
				return err
			}
			var st struct {
				Protocol      string `json:"protocol"`
				UptimeSeconds int    `json:"uptimeSeconds"`
				Services      []struct {
					Service string `json:"service"`
					Version string `json:"version"`
				} `json:"services"`
				PendingCalls   int      `json:"pendingCalls"`
				ActiveSessions []string `json:"activeSessions"`
			}
			if err := json.Unmarshal(resp, &st); err != nil {
				return fmt.Errorf("bad response: %w", err)
			}

			fmt.Printf("%-16s %s (protocol %s)\n", "Gateway:", "up", st.Protocol)
			fmt.Printf("%-16s %s\n", "Uptime:", (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Printf("%-16s %d\n", "Pending calls:", st.PendingCalls)
			if len(st.ActiveSessions) > 0 {
				fmt.Printf("%-16s %v\n", "Active runs:", st.ActiveSessions)
			}
			for _, svc := range st.Services {
				fmt.Printf("%-16s %s (%s)\n", "Service:", svc.Service, svc.Version)
			}

			chResp, err := c.Call(ctx, "", protocol.MethodChannelsStatus, nil)
			if err != nil {
				return nil
			}
			var ch struct {
				Channels map[string]string `json:"channels"`
			}
			if err := json.Unmarshal(chResp, &ch); err == nil {
				for name, status := range ch.Channels {
					fmt.Printf("%-16s %s (%s)\n", "Channel:", name, status)
				}
			}
			return nil
		},
	}
}
