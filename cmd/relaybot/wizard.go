package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

var storageBackends = []struct {
	ID   string
	Desc string
}{{"json", "two JSON files, easy to inspect"}, {"sqlite", "one SQLite database"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot → operator → storage → save config",
		Long:  "Asks for the bot token, the operator's user id, the storage backend and the caption time zone, then writes the config used by --config or the default path.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Println("\n--- Step 1: Operator bot ---")
	fmt.Fprint(os.Stdout, "Bot token from @BotFather (or ${RELAYBOT_TOKEN})")
	tok, err := prompt(cfg.Bot.Token)
	if err != nil {
		return err
	}
	cfg.Bot.Token = tok

	fmt.Println("\n--- Step 2: Operator ---")
	fmt.Fprint(os.Stdout, "Your numeric Telegram user id (ask @userinfobot)")
	def := ""
	if cfg.Bot.OperatorID != 0 {
		def = strconv.FormatInt(int64(cfg.Bot.OperatorID), 10)
	}
	idText, err := prompt(def)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("operator id must be a positive number, got %q", idText)
	}
	cfg.Bot.OperatorID = config.FlexInt64(id)

	fmt.Println("\n--- Step 3: Storage ---")
	defNum := "1"
	for i, b := range storageBackends {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, b.ID, b.Desc)
		if b.ID == cfg.Storage.Backend {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprint(os.Stdout, "Choose backend")
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(storageBackends) {
		idx = 1
	}
	cfg.Storage.Backend = storageBackends[idx-1].ID

	fmt.Println("\n--- Step 4: Captions ---")
	fmt.Fprint(os.Stdout, "Time zone for message timestamps (IANA name, empty = system)")
	tz, err := prompt(cfg.Relay.Timezone)
	if err != nil {
		return err
	}
	cfg.Relay.Timezone = tz

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: 'relaybot accounts add <app_id> <app_hash> <phone>', then 'relaybot accounts login <app_id>' and 'relaybot run'.")
	return nil
}
