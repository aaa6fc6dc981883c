package taskrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NewCLIRunner builds a production CLIRunner for provider, wiring
// StatusFn/LogPathFn/PIDFn to the provider binary's own `task status`,
// `task logpath`, and `task pid` subcommands, keeping the follow state
// machine itself provider-agnostic.
func NewCLIRunner(provider Provider) *CLIRunner {
	return &CLIRunner{
		Provider:  provider,
		StatusFn:  func(ctx context.Context, taskID string) (status, error) { return queryStatus(ctx, provider, taskID) },
		LogPathFn: func(ctx context.Context, taskID string) (string, error) { return queryLogPath(ctx, provider, taskID) },
		PIDFn:     func(ctx context.Context, taskID string) (int, bool, error) { return queryPID(ctx, provider, taskID) },
	}
}

func runSubcommand(ctx context.Context, provider Provider, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, provider.Binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", provider.Binary(), strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func queryStatus(ctx context.Context, provider Provider, taskID string) (status, error) {
	out, err := runSubcommand(ctx, provider, "task", "status", taskID)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(out) {
	case string(statusRunning), string(statusCompleted), string(statusFailed), string(statusStale):
		return status(strings.ToLower(out)), nil
	case "":
		return statusMissing, nil
	default:
		return statusMissing, nil
	}
}

func queryLogPath(ctx context.Context, provider Provider, taskID string) (string, error) {
	return runSubcommand(ctx, provider, "task", "logpath", taskID)
}

func queryPID(ctx context.Context, provider Provider, taskID string) (int, bool, error) {
	out, err := runSubcommand(ctx, provider, "task", "pid", taskID)
	if err != nil {
		return 0, false, nil
	}
	if out == "" {
		return 0, false, nil
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, false, nil
	}
	return pid, true, nil
}
