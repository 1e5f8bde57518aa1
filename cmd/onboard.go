package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beacon/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long:  "Walks through provider, channel and gateway setup and writes the config file.",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := config.ResolveConfigPath(cfgFile)

	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Config already exists at %s. Overwrite?", cfgPath)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Keeping the existing config.")
			return
		}
	}

	cfg := config.Default()

	var (
		provider    = "anthropic"
		apiKey      string
		model       string
		displayName = cfg.Agent.DisplayName
	)

	core := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("AI provider").
				Description("The provider the agent talks to. More can be added in the config file later.").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
				).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Stored in the config file (0600). Leave empty to use the BEACON_*_API_KEY environment variable.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default.").
				Value(&model),
			huh.NewInput().
				Title("Agent display name").
				Value(&displayName),
		),
	)
	if err := core.Run(); err != nil {
		abortOnboard(err)
		return
	}

	cfg.Agent.Provider = provider
	cfg.Agent.Model = strings.TrimSpace(model)
	if name := strings.TrimSpace(displayName); name != "" {
		cfg.Agent.DisplayName = name
	}
	switch provider {
	case "anthropic":
		cfg.Providers.Anthropic.APIKey = strings.TrimSpace(apiKey)
	case "openai":
		cfg.Providers.OpenAI.APIKey = strings.TrimSpace(apiKey)
	case "openrouter":
		cfg.Providers.OpenRouter.APIKey = strings.TrimSpace(apiKey)
	}

	if err := onboardChannels(cfg); err != nil {
		abortOnboard(err)
		return
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  beacon chat     # talk to the agent in this terminal")
	fmt.Println("  beacon serve    # run all enabled channels")
	if cfg.Gateway.Enabled {
		fmt.Printf("\nGateway will listen on ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}
}

// onboardChannels asks which transports to enable beyond the terminal.
func onboardChannels(cfg *config.Config) error {
	var enableTelegram, enableDiscord, enableGateway bool

	channelsForm := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Enable the Telegram channel?").
			Value(&enableTelegram),
		huh.NewConfirm().
			Title("Enable the Discord channel?").
			Value(&enableDiscord),
		huh.NewConfirm().
			Title("Enable the WebSocket gateway?").
			Description("Lets clients connect with beacon chat --url.").
			Value(&enableGateway),
	))
	if err := channelsForm.Run(); err != nil {
		return err
	}

	if enableTelegram {
		var token, allow string
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to use BEACON_TELEGRAM_TOKEN.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewInput().
				Title("Allowed Telegram user ids (comma separated, empty = everyone)").
				Value(&allow),
		))
		if err := form.Run(); err != nil {
			return err
		}
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = strings.TrimSpace(token)
		cfg.Channels.Telegram.AllowFrom = config.FlexibleStringSlice(splitList(allow))
	}

	if enableDiscord {
		var token, allow string
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to use BEACON_DISCORD_TOKEN.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewInput().
				Title("Allowed Discord user ids (comma separated, empty = everyone)").
				Value(&allow),
		))
		if err := form.Run(); err != nil {
			return err
		}
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = strings.TrimSpace(token)
		cfg.Channels.Discord.AllowFrom = config.FlexibleStringSlice(splitList(allow))
	}

	if enableGateway {
		port := strconv.Itoa(cfg.Gateway.Port)
		var token string
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(validatePort),
			huh.NewInput().
				Title("Gateway auth token (empty = no auth, local use only)").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		))
		if err := form.Run(); err != nil {
			return err
		}
		cfg.Gateway.Enabled = true
		if p, err := strconv.Atoi(strings.TrimSpace(port)); err == nil {
			cfg.Gateway.Port = p
		}
		cfg.Gateway.Token = strings.TrimSpace(token)
	}

	return nil
}

func abortOnboard(err error) {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Setup cancelled.")
		return
	}
	fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
	os.Exit(1)
}

func validatePort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("enter a port between 1 and 65535")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
