// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxdub/voxdub/internal/repository"
)

// InterruptedMessage is recorded on every stage a previous process left in
// processing.
const InterruptedMessage = "interrupted"

// RecoverInterruptedStages relabels stages left in processing by a crashed
// or killed previous run as failed. A stage can only be in processing while
// its worker lives inside this process, so anything found at startup is
// stale by definition. Must run before the HTTP server starts serving.
//
// Returns the number of tasks touched.
func RecoverInterruptedStages(ctx context.Context, tasks repository.TaskRepository, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	touched, err := tasks.FailInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted stages: %w", err)
	}

	if touched > 0 {
		logger.Warn("relabeled stages interrupted by a previous run",
			slog.Int("tasks", touched),
		)
	}
	return touched, nil
}
