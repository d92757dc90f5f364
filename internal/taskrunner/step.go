package taskrunner

import (
	"context"
	"errors"
	"fmt"
)

// ErrCanceled marks a step interrupted by a cancellation request
var ErrCanceled = errors.New("taskrunner: job canceled")

// Outcome is the result kind of one pipeline step
type Outcome int

const (
	Ok Outcome = iota
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepResult is what a step hands back to the runner. Reason explains a
// failure and becomes the job explanation.
type StepResult struct {
	Outcome Outcome
	Reason  string
}

func succeeded() StepResult { return StepResult{Outcome: Ok} }

func failed(format string, args ...any) StepResult {
	return StepResult{Outcome: Failed, Reason: fmt.Sprintf(format, args...)}
}

func canceled() StepResult { return StepResult{Outcome: Canceled} }

// step is one fail-fast unit of a job body
type step struct {
	// name prefixes the explanation of a failed step
	name string
	run  func(ctx context.Context) error
}

// runSteps runs steps in order, checking for cancellation before each one.
// The first failing step ends the pipeline.
func runSteps(ctx context.Context, isCanceled func(context.Context) bool, steps []step) StepResult {
	for _, s := range steps {
		if isCanceled(ctx) {
			return canceled()
		}
		if err := s.run(ctx); err != nil {
			if errors.Is(err, ErrCanceled) {
				return canceled()
			}
			return failed("%s failed: %v", s.name, err)
		}
	}
	return succeeded()
}
