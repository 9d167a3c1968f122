package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/chozzz/vargos-sub004/internal/config"
)

// envCredentials lists the env vars whose presence means the user wants
// non-interactive setup (e.g. Docker). First match wins.
var envCredentials = []string{
	"VARGOS_TELEGRAM_TOKEN",
	"VARGOS_WHATSAPP_BRIDGE_URL",
	"VARGOS_POSTGRES_DSN",
	"VARGOS_MODEL",
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(config.ResolvePath(cfgFile))
		},
	}
}

// canAutoOnboard returns true if any VARGOS_* credential env var is set.
func canAutoOnboard() bool {
	for _, name := range envCredentials {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	if canAutoOnboard() {
		return runAutoOnboard(cfgPath)
	}

	cfg := config.Default()

	var (
		portStr       = strconv.Itoa(cfg.Gateway.Port)
		storeMode     = "file"
		telegramOn    bool
		telegramToken string
		dmPolicy      = "pairing"
		whatsappOn    bool
		bridgeURL     string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway host").
				Description("Interface the WebSocket listener binds to.").
				Placeholder("127.0.0.1").
				Value(&cfg.Gateway.Host),
			huh.NewInput().
				Title("Gateway port").
				Value(&portStr).
				Validate(func(s string) error {
					p, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || p < 1 || p > 65535 {
						return fmt.Errorf("port must be a number between 1 and 65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Model").
				Description("Advisory model name passed to the llm service. Leave empty for its default.").
				Value(&cfg.Agent.Model),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("File (JSON under the data dir)", "file"),
					huh.NewOption("SQLite (single DB file)", "sqlite"),
					huh.NewOption("Postgres (needs VARGOS_POSTGRES_DSN)", "postgres"),
				).
				Value(&storeMode),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Value(&telegramOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Stored in VARGOS_TELEGRAM_TOKEN, never in the config file.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewSelect[string]().
				Title("Who may DM the bot?").
				Options(
					huh.NewOption("Anyone, after pairing approval", "pairing"),
					huh.NewOption("Allow-list only", "allowlist"),
					huh.NewOption("Anyone (open)", "open"),
					huh.NewOption("Nobody (groups only)", "disabled"),
				).
				Value(&dmPolicy),
		).WithHideFunc(func() bool { return !telegramOn }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the WhatsApp channel?").
				Value(&whatsappOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("WhatsApp bridge URL").
				Placeholder("ws://localhost:3001").
				Value(&bridgeURL),
		).WithHideFunc(func() bool { return !whatsappOn }),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	port, _ := strconv.Atoi(strings.TrimSpace(portStr))
	cfg.Gateway.Port = port
	cfg.Store.Mode = storeMode
	cfg.Channels.Telegram.Enabled = telegramOn
	cfg.Channels.Telegram.DMPolicy = dmPolicy
	cfg.Channels.WhatsApp.Enabled = whatsappOn
	cfg.Channels.WhatsApp.BridgeURL = strings.TrimSpace(bridgeURL)

	cfg.StripSecrets()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	if telegramOn && telegramToken != "" {
		fmt.Println("\nTokens live in the environment, not the config file. Add to your shell profile:")
		fmt.Printf("  export VARGOS_TELEGRAM_TOKEN=%s\n", strings.TrimSpace(telegramToken))
	}
	if storeMode == "postgres" {
		fmt.Println("\nPostgres mode reads its DSN from VARGOS_POSTGRES_DSN. Set it, then run:")
		fmt.Println("  vargos migrate up")
	}
	fmt.Println("\nStart the gateway with: vargos gateway")
	return nil
}

// runAutoOnboard performs non-interactive setup from environment
// variables. Credentials stay in the environment; the saved file only
// records the non-secret choices they imply.
func runAutoOnboard(cfgPath string) error {
	fmt.Println("Environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	fmt.Printf("  Store:    %s\n", cfg.Store.Mode)
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  Telegram: enabled (token from VARGOS_TELEGRAM_TOKEN)")
	}
	if cfg.Channels.WhatsApp.Enabled {
		fmt.Printf("  WhatsApp: enabled (bridge %s)\n", cfg.Channels.WhatsApp.BridgeURL)
	}
	if cfg.Agent.Model != "" {
		fmt.Printf("  Model:    %s\n", cfg.Agent.Model)
	}

	cfg.StripSecrets()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)
	return nil
}
