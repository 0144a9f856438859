package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Engine is reachable and the analysis model is
// available. A missing model is pulled automatically with progress output
// written to w.
func EnsureReady(ctx context.Context, e Engine, model string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("AI provider is not reachable; check the configured endpoint")
	}
	if model == "" {
		return nil
	}

	if e.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := e.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
