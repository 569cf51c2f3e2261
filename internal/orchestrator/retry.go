package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/workflow"
)

// ErrEngineUnreachable means the liveness probe kept failing through the
// whole recovery wait. Batches abort early on this instead of burning
// retries job by job.
var ErrEngineUnreachable = errors.New("engine unreachable and recovery wait exhausted")

// RetryPolicy bounds one unit of work: at most MaxRetries retries after
// the first attempt, with Backoff(attempt) sleep before retry attempt n
// (1-based). Backoff must be non-decreasing in the attempt number.
type RetryPolicy struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration
}

// LinearBackoff grows the wait by one step per attempt: step, 2·step, …
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// FailureClass is a diagnostic bucket for a failed attempt. Classification
// only shapes the operator message; it never changes retry eligibility.
type FailureClass string

const (
	FailureConnection FailureClass = "connection"
	FailureMemory     FailureClass = "memory"
	FailureWorkflow   FailureClass = "workflow"
	FailureFilesystem FailureClass = "filesystem"
	FailureUnknown    FailureClass = "unknown"
)

// Hint is the short actionable line operators see with a terminal failure
func (f FailureClass) Hint() string {
	switch f {
	case FailureConnection:
		return "check that the engine process is running and reachable"
	case FailureMemory:
		return "free GPU memory or close other programs using the GPU"
	case FailureWorkflow:
		return "check the workflow template file and installed engine nodes"
	case FailureFilesystem:
		return "check output directory permissions and free disk space"
	default:
		return "check the engine console output for details"
	}
}

// ClassifyFailure buckets an error by keyword matching on its text
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "connection") || strings.Contains(text, "timeout") ||
		strings.Contains(text, "refused") || strings.Contains(text, "unreachable"):
		return FailureConnection
	case strings.Contains(text, "memory") || strings.Contains(text, "oom") ||
		strings.Contains(text, "cuda"):
		return FailureMemory
	case strings.Contains(text, "workflow") || strings.Contains(text, "node") ||
		strings.Contains(text, "template"):
		return FailureWorkflow
	case strings.Contains(text, "file") || strings.Contains(text, "permission") ||
		strings.Contains(text, "disk") || strings.Contains(text, "no such"):
		return FailureFilesystem
	default:
		return FailureUnknown
	}
}

// TerminalError is a retries-exhausted failure, carrying everything an
// operator needs to intervene: the literal job input, the last underlying
// error, and an actionable hint.
type TerminalError struct {
	Description string
	Prompt      string
	Attempts    int
	Class       FailureClass
	LastErr     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v — input: %q — hint: %s",
		e.Description, e.Attempts, e.LastErr, e.Prompt, e.Class.Hint())
}

func (e *TerminalError) Unwrap() error { return e.LastErr }

// Controller wraps one submit→poll→resolve unit in a bounded retry loop.
// Before each retry it re-checks engine reachability and, if the probe
// fails, holds in a recovery wait rather than resubmitting into the void.
type Controller struct {
	engine client.Engine

	// recoveryWait and recoveryProbe bound the reachability polling loop
	recoveryWait  time.Duration
	recoveryProbe time.Duration

	// sleep is swappable for tests
	sleep func(time.Duration)
}

func NewController(engine client.Engine) *Controller {
	return &Controller{
		engine:        engine,
		recoveryWait:  5 * time.Minute,
		recoveryProbe: 10 * time.Second,
		sleep:         time.Sleep,
	}
}

// Run executes work up to policy.MaxRetries+1 times. description and
// prompt feed the terminal error shown to operators.
func (c *Controller) Run(ctx context.Context, description, prompt string, policy RetryPolicy,
	work func(ctx context.Context) (*model.OutputArtifact, error)) (*model.OutputArtifact, error) {

	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.Backoff(attempt)
			log.Printf("[Retry] %s: retry %d/%d in %v", description, attempt, policy.MaxRetries, wait)
			c.sleep(wait)

			if !c.engine.Ping(ctx) {
				log.Printf("[Retry] %s: engine unreachable before retry, entering recovery wait", description)
				if err := c.WaitForRecovery(ctx); err != nil {
					return nil, err
				}
			}
		}

		artifact, err := work(ctx)
		if err == nil {
			return artifact, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// A broken template stays broken no matter how often it is
		// resubmitted; fail immediately instead of burning the budget.
		var conv *workflow.ConversionError
		if errors.As(err, &conv) {
			log.Printf("[Retry] %s: template is malformed, not retrying: %v", description, err)
			return nil, &TerminalError{
				Description: description,
				Prompt:      prompt,
				Attempts:    attempt + 1,
				Class:       FailureWorkflow,
				LastErr:     err,
			}
		}

		lastErr = err
		class := ClassifyFailure(err)
		log.Printf("[Retry] %s: attempt %d/%d failed (%s): %v — %s",
			description, attempt+1, policy.MaxRetries+1, class, err, class.Hint())
	}

	return nil, &TerminalError{
		Description: description,
		Prompt:      prompt,
		Attempts:    policy.MaxRetries + 1,
		Class:       ClassifyFailure(lastErr),
		LastErr:     lastErr,
	}
}

// WaitForRecovery polls the liveness probe until the engine answers or
// the recovery budget is spent.
func (c *Controller) WaitForRecovery(ctx context.Context) error {
	deadline := time.Now().Add(c.recoveryWait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.engine.Ping(ctx) {
			log.Printf("[Retry] engine reachable again")
			return nil
		}
		c.sleep(c.recoveryProbe)
	}
	return ErrEngineUnreachable
}
