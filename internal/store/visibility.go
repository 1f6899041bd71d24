package store

import (
	"context"
	"fmt"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

// WaitVisible re-reads a context until it exists, using the policy's short
// visibility backoff. It fails with kind context-not-visible once the reads
// are exhausted.
func WaitVisible(ctx context.Context, s ContextStore, projectID string, name model.ContextName, policy retry.Policy, sleep retry.Sleeper) error {
	if sleep == nil {
		sleep = retry.SleepWithContext
	}
	reads := policy.AttemptsFor(retry.KindContextNotVisible)

	var lastErr error
	for read := 1; read <= reads; read++ {
		visible, err := s.Exists(ctx, projectID, name)
		if err != nil {
			lastErr = err
		} else if visible {
			return nil
		}
		if read == reads {
			break
		}
		if err := sleep(ctx, policy.VisibilityBackoff(read)); err != nil {
			return err
		}
	}

	if lastErr != nil {
		return retry.Wrap(retry.KindContextNotVisible, fmt.Errorf("%s context not visible after %d reads: %w", name, reads, lastErr))
	}
	return retry.New(retry.KindContextNotVisible, "%s context not visible after %d reads", name, reads)
}
