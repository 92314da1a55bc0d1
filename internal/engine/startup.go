package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady verifies the engine is reachable and that the chat and embed
// models are installed, pulling any that are missing. Pull progress is
// written to w.
func EnsureReady(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure the backend is started")
	}

	required := []string{chatModel}
	if embedModel != chatModel {
		required = append(required, embedModel)
	}

	for _, model := range required {
		if model == "" {
			continue
		}
		if err := ensureModel(ctx, e, model, w); err != nil {
			return err
		}
	}
	return nil
}

func ensureModel(ctx context.Context, e Engine, model string, w io.Writer) error {
	if e.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := e.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
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
