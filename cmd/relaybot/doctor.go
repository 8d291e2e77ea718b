package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/userbot"
)

func doctorCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies the configuration, the operator bot token, storage and the
session files of every linked account. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n\n", version)

			var passed, failed, warned int

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			if err := config.RequireBot(cfg); err != nil {
				printFail("Operator bot", err.Error())
				failed++
			} else if offline {
				printWarn("Operator bot", "token not checked (--offline)")
				warned++
			} else if name, err := checkBotToken(cfg); err != nil {
				printFail("Operator bot", err.Error())
				failed++
			} else {
				printPass("Operator bot", "@"+name)
				passed++
			}

			if cfg.Storage.Backend == "sqlite" {
				dbPath := filepath.Join(cfg.Storage.Dir, cfg.Storage.DBFile)
				if filepath.IsAbs(cfg.Storage.DBFile) {
					dbPath = cfg.Storage.DBFile
				}
				if err := checkDatabase(dbPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", dbPath)
					passed++
				}
			} else if err := checkWritableDir(cfg.Storage.Dir); err != nil {
				printFail("Storage dir", err.Error())
				failed++
			} else {
				printPass("Storage dir", cfg.Storage.Dir)
				passed++
			}

			stores, err := openStores(cfg)
			if err != nil {
				printFail("Stores", err.Error())
				failed++
			} else {
				creds, err := stores.Credentials.List(cmd.Context())
				if err != nil {
					printFail("Accounts", err.Error())
					failed++
				}
				if len(creds) == 0 {
					printWarn("Accounts", "none linked")
					warned++
				}
				dialer := userbot.NewDialer(userbot.Options{SessionDir: cfg.Userbot.SessionDir, Logger: logger})
				for _, c := range creds {
					label := fmt.Sprintf("Account %d", c.AppID)
					if _, err := os.Stat(dialer.SessionPath(c)); err != nil {
						printFail(label, "no session file; run 'relaybot accounts login "+fmt.Sprint(c.AppID)+"'")
						failed++
						continue
					}
					printPass(label, c.Identity)
					passed++
				}
				printPass("Notifications", fmt.Sprintf("%d tracked", stores.Correlations.Len()))
				passed++
				stores.Close()
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listen", cfg.Metrics.Listen+cfg.Metrics.Endpoint)
					passed++
				}
			}

			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.Log.File)
					passed++
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that contact Telegram")
	return cmd
}

func checkBotToken(cfg *config.Config) (string, error) {
	endpoint := cfg.Bot.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Bot.Token, endpoint, channel.SharedHTTPClient(15*time.Second))
	if err != nil {
		return "", fmt.Errorf("token rejected: %w", err)
	}
	return bot.Self.UserName, nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
