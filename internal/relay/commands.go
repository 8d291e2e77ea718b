package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const addUsage = "Usage: /add <app_id> <app_hash> <phone_or_username>"

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string
	Err      error
}

// ParseAddCommand parses the arguments of /add: exactly three tokens, the
// first a positive numeric application id.
func ParseAddCommand(args string) (domain.Credential, error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return domain.Credential{}, fmt.Errorf("%w: /add takes 3 arguments, got %d", domain.ErrInvalidCommand, len(fields))
	}
	appID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || appID <= 0 {
		return domain.Credential{}, fmt.Errorf("%w: app id %q is not a positive number", domain.ErrInvalidCommand, fields[0])
	}
	return domain.Credential{AppID: appID, AppHash: fields[1], Identity: fields[2]}, nil
}

// HandleCommand runs one operator command.
func (d *Dispatcher) HandleCommand(ctx context.Context, msg domain.OperatorMessage) CommandResult {
	switch strings.ToLower(msg.Command) {
	case "start", "help":
		return CommandResult{Response: helpText()}
	case "add":
		return d.addAccount(ctx, msg.Args)
	case "accounts":
		return CommandResult{Response: d.accountsText()}
	case "status":
		return CommandResult{Response: d.statusText()}
	}
	return CommandResult{
		Response: fmt.Sprintf("Unknown command /%s. Type /help for available commands.", msg.Command),
		Err:      fmt.Errorf("%w: /%s", domain.ErrInvalidCommand, msg.Command),
	}
}

// addAccount registers a credential and starts its session. Malformed
// input is rejected before anything is stored.
func (d *Dispatcher) addAccount(ctx context.Context, args string) CommandResult {
	cred, err := ParseAddCommand(args)
	if err != nil {
		return CommandResult{Response: addUsage, Err: err}
	}
	if h, ok := d.manager.Lookup(cred.AccountID()); ok && !h.State().Terminal() {
		err := fmt.Errorf("account %d: %w", cred.AppID, domain.ErrAccountExists)
		return CommandResult{Response: fmt.Sprintf("Account %d is already %s.", cred.AppID, h.State()), Err: err}
	}

	known, err := d.credentials.List(ctx)
	if err != nil {
		return CommandResult{Response: "Could not read the account list.", Err: err}
	}
	stored := false
	for _, c := range known {
		if c.AppID == cred.AppID {
			stored = true
			break
		}
	}
	if !stored {
		if err := d.credentials.Add(ctx, cred); err != nil {
			return CommandResult{Response: "Could not save the account.", Err: err}
		}
	}

	if _, err := d.StartAccount(ctx, cred); err != nil {
		if errors.Is(err, domain.ErrAccountExists) {
			return CommandResult{Response: fmt.Sprintf("Account %d is already running.", cred.AppID), Err: err}
		}
		return CommandResult{Response: fmt.Sprintf("Could not start account %d: %v", cred.AppID, err), Err: err}
	}

	if d.events != nil {
		d.events.Emit(bus.Event{Type: bus.EventAccountAdded, Source: "commands", Payload: map[string]any{
			"account_id": cred.AppID,
			"identity":   cred.Identity,
		}})
	}
	return CommandResult{Response: fmt.Sprintf("Adding account %s...", cred.Identity)}
}

func (d *Dispatcher) accountsText() string {
	accounts := d.manager.Accounts()
	if len(accounts) == 0 {
		return "No accounts linked. " + addUsage
	}
	var sb strings.Builder
	sb.WriteString("Accounts:\n")
	for _, a := range accounts {
		fmt.Fprintf(&sb, "%d %s: %s", a.ID, a.Identity, a.State)
		if a.Err != "" {
			fmt.Fprintf(&sb, " (%s)", a.Err)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (d *Dispatcher) statusText() string {
	active := 0
	accounts := d.manager.Accounts()
	for _, a := range accounts {
		if a.State == domain.AccountActive {
			active++
		}
	}
	return fmt.Sprintf("Uptime: %s\nAccounts: %d active of %d\nTracked notifications: %d",
		time.Since(d.started).Round(time.Second), active, len(accounts), d.correlations.Len())
}

func helpText() string {
	return strings.Join([]string{
		"Messages to your linked accounts show up here.",
		"Reply to a notification to answer in that conversation.",
		"",
		"Commands:",
		"/add <app_id> <app_hash> <phone_or_username>: link an account",
		"/accounts: list linked accounts",
		"/status: relay status",
		"/help: show this message",
	}, "\n")
}
