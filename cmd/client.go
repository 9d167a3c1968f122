package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/client"
	"github.com/chozzz/vargos-sub004/internal/config"
)

// gatewayURL builds the WebSocket endpoint from the configured listener.
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Gateway.Port
	if port == 0 {
		port = 9000
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, port)
}

// dialGateway connects a short-lived CLI client. The service name
// carries a random suffix so parallel invocations never collide on
// registration.
func dialGateway(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	url := gatewayURL(cfg)
	c := client.New(client.Config{
		URL:     url,
		Service: fmt.Sprintf("cli-%s", uuid.NewString()[:8]),
		Version: Version,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach gateway at %s: %w", url, err)
	}
	return c, nil
}

// callGateway performs one RPC against the running gateway and returns
// the raw response payload. Every one-shot subcommand goes through it.
func callGateway(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c, err := dialGateway(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Call(ctx, "", method, params)
}
