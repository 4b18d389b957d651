// Package lock grants at most one live execution slot per job name across
// every running instance.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Coordinator is implemented by the Postgres-backed and in-memory lock stores.
type Coordinator interface {
	// TryAcquire grants name to this process if no live entry exists. The
	// entry cannot be released before minHold has elapsed and expires on its
	// own after maxHold.
	TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Clock returns the current time. Tests swap it for a manual clock.
type Clock func() time.Time

// HolderID identifies this process as a lock holder.
func HolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%s", host, uuid.NewString())
}

func checkHold(name string, minHold, maxHold time.Duration) error {
	if name == "" {
		return fmt.Errorf("lock name is required")
	}
	if maxHold <= 0 {
		return fmt.Errorf("lock %s: max hold must be positive", name)
	}
	if minHold < 0 || minHold > maxHold {
		return fmt.Errorf("lock %s: min hold %s outside [0, %s]", name, minHold, maxHold)
	}
	return nil
}
