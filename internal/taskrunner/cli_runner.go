package taskrunner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loomwork/conclave/internal/extractor"
)

const (
	spawnTimeout      = 30 * time.Second
	pidPollInterval   = 100 * time.Millisecond
	pidPollAttempts   = 30
	readyPollInterval = 5 * time.Second
	statusInterval    = 1 * time.Second
	isolatedStatusIv  = 2 * time.Second
	killGrace         = 10 * time.Second
	maxStatusFailures = 30
)

var spawnBanner = regexp.MustCompile(`^Task spawned:\s*(\S+)`)

type status string

const (
	statusRunning   status = "running"
	statusCompleted status = "completed"
	statusFailed    status = "failed"
	statusStale     status = "stale"
	statusMissing   status = "missing"
)

// CLIRunner is the standard four-phase runner for a provider CLI:
// spawn, wait-ready, follow, resolve. It shells out to
// Provider.Binary() with Provider.SpawnArgs (exec.CommandContext,
// buffered stdout/stderr, env passthrough).
type CLIRunner struct {
	Provider Provider

	// StatusFn and LogPathFn abstract the provider CLI's `task status
	// <taskId>` and `task logpath <taskId>` subcommands so this state
	// machine stays provider-agnostic; production wiring shells out to
	// Provider.Binary(), tests inject fakes.
	StatusFn  func(ctx context.Context, taskID string) (status, error)
	LogPathFn func(ctx context.Context, taskID string) (string, error)
	PIDFn     func(ctx context.Context, taskID string) (int, bool, error)
}

func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	taskID, stderr, err := r.spawn(ctx, prompt, opts)
	if err != nil {
		return Result{Success: false, Error: err.Error(), ErrorType: spawnErrorType(err)}, nil
	}
	if taskID == "" {
		return Result{Success: false, Error: strings.TrimSpace(stderr), ErrorType: ErrorSpawnTimeout}, nil
	}
	if opts.OnTaskID != nil {
		opts.OnTaskID(taskID)
	}

	var pid int
	if p, ok, err := r.pollPID(ctx, taskID); err == nil && ok {
		pid = p
		if opts.OnSpawned != nil {
			opts.OnSpawned(taskID, pid)
		}
	}

	if err := r.waitReady(ctx, taskID); err != nil {
		return Result{Success: false, Error: err.Error(), ErrorType: ErrorTaskNotFound}, nil
	}

	return r.follow(ctx, taskID, pid, opts)
}

// spawn implements phase 1.
func (r *CLIRunner) spawn(ctx context.Context, prompt string, opts Options) (taskID, stderrText string, err error) {
	spawnCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	args := r.Provider.SpawnArgs(prompt, opts)
	cmd := exec.CommandContext(spawnCtx, r.Provider.Binary(), args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		if spawnCtx.Err() == context.DeadlineExceeded {
			return "", stderr.String(), fmt.Errorf("spawn timed out after %s", spawnTimeout)
		}
		return "", stderr.String(), fmt.Errorf("spawn failed: %w: %s", runErr, stderr.String())
	}

	sc := bufio.NewScanner(strings.NewReader(stdout.String()))
	if sc.Scan() {
		if m := spawnBanner.FindStringSubmatch(sc.Text()); m != nil {
			return m[1], "", nil
		}
	}
	return "", stdout.String(), fmt.Errorf("no spawn banner in provider output")
}

func spawnErrorType(err error) ErrorType {
	if strings.Contains(err.Error(), "timed out") {
		return ErrorSpawnTimeout
	}
	return ErrorNone
}

// pollPID implements the metadata-store PID poll in phase 1.
func (r *CLIRunner) pollPID(ctx context.Context, taskID string) (int, bool, error) {
	if r.PIDFn == nil {
		return 0, false, nil
	}
	for i := 0; i < pidPollAttempts; i++ {
		pid, ok, err := r.PIDFn(ctx, taskID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return pid, true, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(pidPollInterval):
		}
	}
	return 0, false, nil
}

// waitReady implements phase 2: poll status until the task is known
// to exist at all (any non-"missing" status), 5s per call.
func (r *CLIRunner) waitReady(ctx context.Context, taskID string) error {
	for {
		st, err := r.StatusFn(ctx, taskID)
		if err == nil && st != statusMissing {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// follow implements phases 3-6: tailing the log at its own cadence,
// polling status concurrently, cancellation and liveness.
func (r *CLIRunner) follow(ctx context.Context, taskID string, pid int, opts Options) (Result, error) {
	logPath, err := r.LogPathFn(ctx, taskID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("no log path: %v", err), ErrorType: ErrorTaskNotFound}, nil
	}

	sink := func(line string) {
		if opts.OnOutput != nil {
			opts.OnOutput(line, opts.AgentID)
		}
	}
	f := newFollower(logPath, sink)

	interval := statusInterval
	if opts.ContainerIsolated {
		interval = isolatedStatusIv
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()

	// The log tail and the status poll run on independent cadences
	// (300ms vs 1s); the follower goroutine owns all follower state
	// until it exits, so the final flush below never races a read.
	// Under container isolation the tail is a persistent `tail -F`
	// subprocess rather than stat+pread.
	followDone := make(chan struct{})
	go func() {
		defer close(followDone)
		if opts.ContainerIsolated {
			runTailFollower(pollCtx, f, logPath)
			return
		}
		runFollower(pollCtx, f, nil)
	}()

	statusCh := make(chan Result, 1)
	go r.pollLoop(pollCtx, taskID, interval, statusCh)

	// Liveness measures the gap since the last emitted line, not total
	// runtime — a chatty long-running task stays alive.
	start := time.Now()
	var livenessCh <-chan time.Time
	if opts.EnableLivenessCheck && opts.LivenessWindow > 0 {
		tick := opts.LivenessWindow / 4
		if tick < time.Millisecond {
			tick = time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		livenessCh = ticker.C
	}

	finish := func(res Result) Result {
		cancelPoll()
		<-followDone
		// One final tail read flushes whatever landed after the last
		// poll, then the residual partial line. In tail -F mode the
		// subprocess already streamed every byte; re-reading from the
		// polling offset would duplicate the whole file.
		if !opts.ContainerIsolated {
			_ = f.Poll()
		}
		f.Flush()
		res.Output = f.Output()
		return r.classify(res, opts)
	}

	for {
		select {
		case res := <-statusCh:
			return finish(res), nil
		case <-ctx.Done():
			cancelPoll()
			<-followDone
			return r.terminate(pid, ErrorKilled, "Task killed"), nil
		case <-livenessCh:
			last := f.LastOutputTime()
			if last.IsZero() {
				last = start
			}
			if time.Since(last) < opts.LivenessWindow {
				continue
			}
			cancelPoll()
			<-followDone
			return r.terminate(pid, ErrorLivenessTimeout, "no output within liveness window"), nil
		}
	}
}

// classify finalises a terminal status against the accumulated output:
// a stale task is recovered as success iff the output parses to a
// valid structured object, and failures get a
// human-readable error context extracted.
func (r *CLIRunner) classify(res Result, opts Options) Result {
	switch res.ErrorType {
	case errorTypeStale:
		if obj := extractor.Extract(res.Output, r.Provider.ParseTextEvents); obj != nil {
			return Result{Success: true, Output: res.Output}
		}
		return Result{Success: false, Output: res.Output, Error: ExtractErrorContext(res.Output)}
	default:
		if !res.Success && res.Error == "" {
			res.Error = ExtractErrorContext(res.Output)
		}
		if !res.Success && res.ErrorType == ErrorNone {
			if after, ok := detectRateLimit(res.Output); ok {
				res.ErrorType = ErrorRateLimit
				res.RetryAfter = after
			}
		}
		return res
	}
}

var (
	rateLimitRe  = regexp.MustCompile(`(?i)rate[ _-]?limit`)
	retryAfterRe = regexp.MustCompile(`(?i)retry[ _-]?after[:=\s]+(\d+)`)
)

// detectRateLimit recognises a provider-reported rate limit in the run
// output and extracts its retry delay, defaulting to 60s when the
// provider names none.
func detectRateLimit(output string) (time.Duration, bool) {
	if !rateLimitRe.MatchString(output) {
		return 0, false
	}
	if m := retryAfterRe.FindStringSubmatch(output); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return time.Minute, true
}

// terminate implements phase 5/6: SIGTERM, wait up to killGrace, then
// a hard kill if the process is still alive.
func (r *CLIRunner) terminate(pid int, et ErrorType, msg string) Result {
	if pid > 0 {
		_ = SendSIGTERM(pid)
		time.Sleep(killGrace)
		_ = SendSIGKILL(pid)
	}
	return Result{Success: false, Error: msg, ErrorType: et}
}

// errorTypeStale is internal to the status loop: it marks a Result
// whose task the provider reported as stale, before classify decides
// whether the output recovers it as a success.
const errorTypeStale ErrorType = "stale"

// pollLoop polls task status every interval until a terminal state is
// observed or 30 consecutive calls fail.
func (r *CLIRunner) pollLoop(ctx context.Context, taskID string, interval time.Duration, statusCh chan<- Result) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := r.StatusFn(ctx, taskID)
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures >= maxStatusFailures {
					statusCh <- Result{Success: false, Error: "status polling failed repeatedly", ErrorType: ErrorStatusPollFailed}
					return
				}
				continue
			}
			consecutiveFailures = 0

			switch st {
			case statusCompleted:
				statusCh <- Result{Success: true}
				return
			case statusFailed:
				statusCh <- Result{Success: false}
				return
			case statusStale:
				statusCh <- Result{Success: false, ErrorType: errorTypeStale}
				return
			}
		}
	}
}

// SendSIGTERM and SendSIGKILL are small wrappers kept as variables so
// tests can stub process signalling without spawning a real process.
var (
	SendSIGTERM = func(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }
	SendSIGKILL = func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }
)
