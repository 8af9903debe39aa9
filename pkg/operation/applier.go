package operation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stratus/pkg/engine"
)

// NoopApplier succeeds without touching any backend. Updates report the
// planned input hash as their output hash so dependents observe a change
// exactly when the instance's inputs changed; refreshes keep the recorded
// output hash.
type NoopApplier struct{}

var _ engine.UnitApplier = NoopApplier{}

// Apply implements engine.UnitApplier.
func (NoopApplier) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch req.Phase {
	case engine.PhaseUpdate:
		return &engine.ApplyResult{OutputHash: req.Entry.InputHash}, nil
	case engine.PhaseRefresh:
		if req.State != nil {
			return &engine.ApplyResult{OutputHash: req.State.OutputHash}, nil
		}
	}
	return &engine.ApplyResult{}, nil
}

// LogApplier wraps another applier and writes a summary of every request to
// the instance log before delegating.
type LogApplier struct {
	Next engine.UnitApplier
}

// Apply implements engine.UnitApplier.
func (a LogApplier) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if req.Log != nil {
		req.Log("info", describe(req))
	}

	next := a.Next
	if next == nil {
		next = NoopApplier{}
	}

	result, err := next.Apply(ctx, req)
	if req.Log != nil {
		if err != nil {
			req.Log("error", err.Error())
		} else if result != nil {
			req.Log("debug", fmt.Sprintf("output hash %08x", result.OutputHash))
		}
	}
	return result, err
}

func describe(req engine.ApplyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", req.Phase, req.Entry.InstanceID)
	if req.Component != nil {
		fmt.Fprintf(&b, " [%s]", req.Component.Kind)
	}
	if req.Instance != nil && len(req.Instance.Args) > 0 {
		keys := make([]string, 0, len(req.Instance.Args))
		for k := range req.Instance.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, " args=%s", strings.Join(keys, ","))
	}
	fmt.Fprintf(&b, " input=%08x", req.Entry.InputHash)
	return b.String()
}

// FailingApplier fails the listed instances and delegates the rest. It backs
// the CLI's --fail flag for rehearsing partial failures.
type FailingApplier struct {
	Next engine.UnitApplier
	Fail map[string]bool
}

// Apply implements engine.UnitApplier.
func (a FailingApplier) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if a.Fail[req.Entry.InstanceID] {
		return nil, fmt.Errorf("simulated failure of %s", req.Entry.InstanceID)
	}
	next := a.Next
	if next == nil {
		next = NoopApplier{}
	}
	return next.Apply(ctx, req)
}
