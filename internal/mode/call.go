package mode

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is reported when a remote call outlives the configured timeout.
	ErrTimeout = errors.New("remote call timed out")
	// ErrInvalidResponse marks a remote reply that could not be used.
	ErrInvalidResponse = errors.New("invalid remote response")
)

// Outcome describes how a guarded call ended. Remote failures are carried
// here instead of being returned as errors.
type Outcome struct {
	Provenance Provenance
	Reason     Reason
	Err        error
}

// Online reports whether the call produced a remote result.
func (o Outcome) Online() bool { return o.Provenance == Online }

// Call runs fn against capability c if the arbitrator permits it. fn runs
// detached from ctx cancellation; the caller stops waiting after the
// configured timeout and the timeout is reported as a failure. The permit is
// reported exactly once, by whichever of the call or the timeout comes first.
func Call[T any](ctx context.Context, a *Arbitrator, c Capability, fn func(context.Context) (T, error)) (T, Outcome) {
	var zero T
	p := a.Acquire(c)
	if !p.Granted {
		return zero, Outcome{Provenance: Offline, Reason: p.Reason}
	}

	type result struct {
		v   T
		err error
	}
	var once sync.Once
	report := func(err error) {
		once.Do(func() { a.Report(p, err) })
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		report(err)
		done <- result{v, err}
	}()

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if errors.Is(r.err, ErrInvalidResponse) {
			return zero, Outcome{Provenance: Offline, Reason: ReasonInvalidResponse, Err: r.err}
		}
		if r.err != nil {
			return zero, Outcome{Provenance: Offline, Reason: ReasonRemoteError, Err: r.err}
		}
		return r.v, Outcome{Provenance: Online}
	case <-timer.C:
		report(ErrTimeout)
		return zero, Outcome{Provenance: Offline, Reason: ReasonTimeout, Err: ErrTimeout}
	case <-ctx.Done():
		return zero, Outcome{Provenance: Offline, Reason: ReasonCanceled, Err: ctx.Err()}
	}
}
