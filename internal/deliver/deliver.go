// Package deliver turns evaluated action artifacts into outbound traffic:
// email with optional read tracking, JSON posts, LMS messages and ZIP
// bundles, all under burst pacing.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDelivery is the base kind of every delivery failure.
	ErrDelivery = errors.New("deliver: delivery failed")
	// ErrAuthExpired indicates the remote rejected our credentials after a
	// refresh attempt.
	ErrAuthExpired = fmt.Errorf("%w: authorization expired", ErrDelivery)
	// ErrRemoteRejected indicates the remote returned a non-success status.
	ErrRemoteRejected = fmt.Errorf("%w: remote rejected request", ErrDelivery)
	// ErrTransport indicates the request never completed.
	ErrTransport = fmt.Errorf("%w: transport failure", ErrDelivery)
)

// Pacer issues deliveries in bursts of Burst followed by a pause of Pause.
// A non-positive Burst disables pacing.
type Pacer struct {
	Burst int
	Pause time.Duration
}

// Wait blocks before sending item index when a burst boundary was reached.
// Cancellation of the context interrupts the pause.
func (p Pacer) Wait(ctx context.Context, index int) error {
	if p.Burst <= 0 || index == 0 || index%p.Burst != 0 {
		return nil
	}
	timer := time.NewTimer(p.Pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
