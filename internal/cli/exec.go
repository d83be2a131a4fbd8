package cli

import (
	"context"
	"fmt"

	"github.com/roach88/warden/internal/step"
)

// suppressedInvoker fails every invocation. `warden replay` uses it so a
// replay verification can never reach a real side effect.
type suppressedInvoker struct{}

func (suppressedInvoker) Invoke(_ context.Context, req step.Request) (step.Result, error) {
	return step.Result{}, fmt.Errorf("replay: execution of %q suppressed", req.Tool)
}
