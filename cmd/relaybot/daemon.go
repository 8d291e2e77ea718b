package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

const (
	launchdLabel = "com.relaybot.relay"
	systemdUnit  = "relaybot.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Run 'relaybot run' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			path, body, err := serviceFile(execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
			} else {
				fmt.Printf("To start: systemctl --user enable --now %s\n", systemdUnit)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the relaybot user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := serviceFile("", "")
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

// serviceFile returns where the service definition goes on this OS and its
// contents.
func serviceFile(execPath, cfgPath string) (string, string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	switch runtime.GOOS {
	case "darwin":
		logPath := filepath.Join(config.DefaultConfigDir(), "logs", "relaybot.log")
		r := strings.NewReplacer("{{LABEL}}", launchdLabel, "{{EXEC}}", execPath, "{{CONFIG}}", cfgPath, "{{LOG}}", logPath)
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), r.Replace(launchdTemplate), nil
	case "linux":
		r := strings.NewReplacer("{{EXEC}}", execPath, "{{CONFIG}}", cfgPath)
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), r.Replace(systemdTemplate), nil
	}
	return "", "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=relaybot Telegram relay
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target`
