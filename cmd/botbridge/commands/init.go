package commands

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/botbridge/pkg/botbridge/config"
)

// newInitCmd creates `botbridge init`, an interactive configuration wizard.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Example: `  botbridge init
  botbridge init --output ./configs/botbridge.yaml`,
		RunE: runInit,
	}
	cmd.Flags().StringP("output", "o", "botbridge.yaml", "configuration file to write")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

// initAnswers holds the wizard answers.
type initAnswers struct {
	Name          string
	BotID         string
	Puppet        string
	Token         string
	TokenKeyring  bool
	Reconnect     string
	StoreBackend  string
	Encrypt       bool
	Passphrase    string
	Gateway       bool
	GatewayAddr   string
	GatewayToken  string
	CheckpointDur string
}

var botIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func runInit(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", output)
	}

	a := initAnswers{
		Name:          "botbridge",
		BotID:         "bot",
		Puppet:        "whatsapp",
		Reconnect:     "logout",
		StoreBackend:  "sqlite",
		TokenKeyring:  true,
		Gateway:       true,
		GatewayAddr:   "127.0.0.1:8090",
		CheckpointDur: "10m",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Instance name").Value(&a.Name),
			huh.NewInput().Title("Bot id").
				Description("Identity key for the account; also names its session").
				Value(&a.BotID).
				Validate(validateBotID),
			huh.NewSelect[string]().Title("Backend").
				Options(
					huh.NewOption("WhatsApp (scan a QR code)", "whatsapp"),
					huh.NewOption("Discord (bot token)", "discord"),
					huh.NewOption("Mock (dry run)", "mock"),
				).
				Value(&a.Puppet),
			huh.NewSelect[string]().Title("Restart the bot after").
				Options(
					huh.NewOption("a logout", "logout"),
					huh.NewOption("an unexpected stop", "stop"),
					huh.NewOption("never", "none"),
				).
				Value(&a.Reconnect),
		),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&a.Token),
			huh.NewConfirm().Title("Store the token in the OS keyring?").
				Value(&a.TokenKeyring),
		).WithHideFunc(func() bool { return a.Puppet != "discord" }),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Session store").
				Options(
					huh.NewOption("SQLite file", "sqlite"),
					huh.NewOption("PostgreSQL", "postgresql"),
					huh.NewOption("One file per bot", "file"),
				).
				Value(&a.StoreBackend),
			huh.NewConfirm().Title("Encrypt stored sessions?").Value(&a.Encrypt),
		),
		huh.NewGroup(
			huh.NewInput().Title("Encryption passphrase").
				Description("Saved in the OS keyring, never in the file").
				EchoMode(huh.EchoModePassword).
				Value(&a.Passphrase).
				Validate(func(s string) error {
					if len(s) < 8 {
						return errors.New("use at least 8 characters")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !a.Encrypt }),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable the HTTP gateway?").Value(&a.Gateway),
			huh.NewInput().Title("Checkpoint sessions every").
				Description("Go duration, empty disables").
				Value(&a.CheckpointDur),
		),
		huh.NewGroup(
			huh.NewInput().Title("Gateway address").Value(&a.GatewayAddr),
			huh.NewInput().Title("Gateway bearer token").
				Description("Empty leaves the API open; stored in the OS keyring").
				EchoMode(huh.EchoModePassword).
				Value(&a.GatewayToken),
		).WithHideFunc(func() bool { return !a.Gateway }),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return err
	}

	cfg, secrets := buildInitConfig(a)
	check := *cfg
	check.Store.Encryption.Passphrase = a.Passphrase
	if err := check.Validate(); err != nil {
		return err
	}
	for key, value := range secrets {
		if err := config.StoreKeyring(key, value); err != nil {
			return fmt.Errorf("storing %s in the OS keyring: %w", key, err)
		}
	}
	if err := config.Save(cfg, output); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", output)
	fmt.Printf("Start it with: botbridge serve --config %s\n", output)
	return nil
}

func validateBotID(s string) error {
	if !botIDPattern.MatchString(s) {
		return errors.New("letters, digits, '-' and '_' only")
	}
	return nil
}

// buildInitConfig turns the answers into a configuration and the keyring
// entries to write. Secrets kept in the keyring are left empty in the
// file; Load resolves them.
func buildInitConfig(a initAnswers) (*config.Config, map[string]string) {
	cfg := config.DefaultConfig()
	secrets := make(map[string]string)

	cfg.Name = a.Name
	bot := config.BotConfig{
		ID:        a.BotID,
		Puppet:    a.Puppet,
		Reconnect: a.Reconnect,
		Options:   map[string]string{},
	}
	if a.Puppet == "discord" && a.Token != "" {
		if a.TokenKeyring {
			secrets[config.BotSecretKey(a.BotID, "token")] = a.Token
		} else {
			bot.Options["token"] = a.Token
		}
	}
	if a.Puppet == "mock" {
		bot.Options["auto_login"] = "true"
	}
	cfg.Bots = []config.BotConfig{bot}

	cfg.Store.Backend = a.StoreBackend
	if a.StoreBackend == "postgresql" {
		cfg.Store.PostgreSQL.DSN = "${BOTBRIDGE_POSTGRES_DSN}"
	}
	if a.Encrypt {
		cfg.Store.Encryption.Enabled = true
		secrets[config.KeyStorePassphrase] = a.Passphrase
	}

	cfg.Gateway.Enabled = a.Gateway
	if a.GatewayAddr != "" {
		cfg.Gateway.Address = a.GatewayAddr
	}
	if a.Gateway && a.GatewayToken != "" {
		secrets[config.KeyGatewayToken] = a.GatewayToken
	}

	cfg.Checkpoint.Schedule = ""
	if a.CheckpointDur != "" {
		cfg.Checkpoint.Schedule = "@every " + a.CheckpointDur
	}
	return cfg, secrets
}
