package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"relaybot/internal/domain"
	"relaybot/internal/relay"
	"relaybot/internal/userbot"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage linked Telegram accounts",
		Long: `Linked accounts are stored as (app id, app hash, phone or username).
An account also needs a session file before 'relaybot run' can start it;
create one with 'relaybot accounts login <app_id>'.`,
	}
	cmd.AddCommand(accountsListCmd(), accountsAddCmd(), accountsLoginCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			creds, err := stores.Credentials.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("No accounts linked.")
				return nil
			}
			dialer := userbot.NewDialer(userbot.Options{SessionDir: cfg.Userbot.SessionDir, Logger: logger})
			for _, c := range creds {
				session := "no session (run: relaybot accounts login " + strconv.FormatInt(c.AppID, 10) + ")"
				if _, err := os.Stat(dialer.SessionPath(c)); err == nil {
					session = "session ok"
				}
				fmt.Printf("%-12d %-20s %s\n", c.AppID, c.Identity, session)
			}
			return nil
		},
	}
}

func accountsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <app_id> <app_hash> <phone_or_username>",
		Short: "Store an account; it starts on the next run",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := relay.ParseAddCommand(strings.Join(args, " "))
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			if _, ok, err := findCredential(cmd.Context(), stores.Credentials, cred.AppID); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("account %d: %w", cred.AppID, domain.ErrAccountExists)
			}
			if err := stores.Credentials.Add(cmd.Context(), cred); err != nil {
				return err
			}
			logger.Info("account stored", "account", cred.AppID, "identity", cred.Identity)
			return nil
		},
	}
}

func accountsLoginCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <app_id>",
		Short: "Sign a stored account in and write its session file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid app id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			cred, ok, err := findCredential(cmd.Context(), stores.Credentials, appID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("account %d: %w (add it first)", appID, domain.ErrUnknownAccount)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reader := bufio.NewReader(os.Stdin)
			code := func(ctx context.Context) (string, error) {
				fmt.Fprintf(os.Stdout, "Login code sent to %s: ", cred.Identity)
				line, err := reader.ReadString('\n')
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(line), nil
			}

			dialer := userbot.NewDialer(userbot.Options{SessionDir: cfg.Userbot.SessionDir, Logger: logger})
			if err := dialer.Login(ctx, cred, password, code); err != nil {
				return err
			}
			fmt.Printf("Session saved: %s\n", dialer.SessionPath(cred))
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", os.Getenv("RELAYBOT_2FA_PASSWORD"), "two-step verification password, if the account has one")
	return cmd
}

func findCredential(ctx context.Context, creds domain.CredentialStore, appID int64) (domain.Credential, bool, error) {
	list, err := creds.List(ctx)
	if err != nil {
		return domain.Credential{}, false, err
	}
	for _, c := range list {
		if c.AppID == appID {
			return c, true, nil
		}
	}
	return domain.Credential{}, false, nil
}
