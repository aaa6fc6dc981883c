package taskrunner

import (
	"fmt"
	"strings"
)

// Provider supplies the few bits of CLI shape that differ per task
// runner provider — spawn arguments and the output-event parser — while
// the four-phase state machine in CLIRunner stays provider-agnostic.
type Provider interface {
	// Name identifies the provider ("claude", "codex", "gemini").
	Name() string
	// SpawnArgs builds the CLI arguments for `task run` given the
	// assembled prompt and run options.
	SpawnArgs(prompt string, opts Options) []string
	// Binary is the CLI executable name.
	Binary() string
	// ParseTextEvents extracts and concatenates type=text events from
	// this provider's event stream (Output Extractor strategy 2).
	ParseTextEvents(output string) string
}

// NewProvider selects a Provider by api_type, mirroring
// llm/factory.go's NewClient switch on cfg.APIType.
func NewProvider(apiType string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(apiType)) {
	case "claude", "anthropic":
		return claudeProvider{}, nil
	case "codex", "openai", "openai-compatible":
		return codexProvider{}, nil
	case "gemini":
		return geminiProvider{}, nil
	default:
		return nil, fmt.Errorf("taskrunner: unsupported provider %q", apiType)
	}
}

type claudeProvider struct{}

func (claudeProvider) Name() string   { return "claude" }
func (claudeProvider) Binary() string { return "claude" }
func (claudeProvider) SpawnArgs(prompt string, opts Options) []string {
	args := []string{"task", "run", "--output-format", opts.OutputFormat}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, "--prompt", prompt)
}
func (claudeProvider) ParseTextEvents(output string) string {
	return concatenateTextEvents(output)
}

type codexProvider struct{}

func (codexProvider) Name() string   { return "codex" }
func (codexProvider) Binary() string { return "codex" }
func (codexProvider) SpawnArgs(prompt string, opts Options) []string {
	args := []string{"task", "run", "--output-format", opts.OutputFormat}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, "--prompt", prompt)
}
func (codexProvider) ParseTextEvents(output string) string {
	return concatenateTextEvents(output)
}

type geminiProvider struct{}

func (geminiProvider) Name() string   { return "gemini" }
func (geminiProvider) Binary() string { return "gemini" }
func (geminiProvider) SpawnArgs(prompt string, opts Options) []string {
	args := []string{"task", "run", "--output-format", opts.OutputFormat}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, "--prompt", prompt)
}
func (geminiProvider) ParseTextEvents(output string) string {
	return concatenateTextEvents(output)
}
