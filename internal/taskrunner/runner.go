// Package taskrunner implements the Task Runner Contract and Log
// Follower: spawning a provider CLI, following its log, and
// resolving to a structured result.
package taskrunner

import (
	"context"
	"time"
)

// ErrorType classifies a failed run.
type ErrorType string

const (
	ErrorNone             ErrorType = ""
	ErrorSpawnTimeout     ErrorType = "SpawnTimeout"
	ErrorTaskNotFound     ErrorType = "TaskNotFound"
	ErrorRateLimit        ErrorType = "RATE_LIMIT"
	ErrorLivenessTimeout  ErrorType = "LivenessTimeout"
	ErrorKilled           ErrorType = "Killed"
	ErrorStatusPollFailed ErrorType = "StatusPollFailed"
)

// Options carry everything a run needs beyond the assembled prompt.
type Options struct {
	AgentID             string
	Model               string
	OutputFormat        string
	JSONSchema          map[string]any
	OnOutput            func(lineText, agentID string)
	OnTaskID            func(taskID string)            // fired once the spawn banner yields a task id
	OnSpawned           func(taskID string, pid int)   // fired once the child PID is known
	Cwd                 string
	Env                 []string
	Timeout             time.Duration
	EnableLivenessCheck bool
	LivenessWindow      time.Duration
	ContainerIsolated   bool
}

// Result is the outcome of a single run.
type Result struct {
	Success    bool
	Output     string
	Error      string
	ErrorType  ErrorType
	RetryAfter time.Duration
	TokenUsage int
}

// TaskRunner is the abstraction every concrete provider runner
// satisfies.
type TaskRunner interface {
	Run(ctx context.Context, prompt string, opts Options) (Result, error)
}

// RunFunc adapts a function to TaskRunner, used heavily in tests.
type RunFunc func(ctx context.Context, prompt string, opts Options) (Result, error)

func (f RunFunc) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	return f(ctx, prompt, opts)
}
