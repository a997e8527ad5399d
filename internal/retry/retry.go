// Package retry provides the one retry/backoff combinator used throughout
// the gateway, wrapping github.com/cenkalti/backoff/v4.
//
// # Description
//
// Persistence mutations, the SCP staging write, the job payload copy and the
// disk reclaimer's delete retry through Do. The platform and DICOMweb HTTP
// clients do not call Do, and the DICOM SCU exporter retries associations
// in its own loop. A
// Policy describes the shape of the backoff (attempts + base delay); Do
// classifies each failure with apperrors.Classify and only retries errors
// classified as DecisionRetry, stopping immediately on DecisionFatal or
// DecisionCancelled.
//
// # Thread Safety
//
// Do holds no shared state; it is safe to call concurrently with different
// Policy values.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
)

// Policy configures the retry combinator.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is multiplied by 2^n for the n-th retry (n starting at 1).
	// When BaseDelay is zero, Delays (if non-empty) is used verbatim
	// instead — this covers the fixed 250ms/500ms/1s and 1s/2s/3s
	// sequences used by the SCP write path and the job copy path.
	BaseDelay time.Duration
	// Delays, when set, is consulted in order instead of BaseDelay*2^n.
	// len(Delays) should be MaxAttempts-1.
	Delays []time.Duration
}

// PersistenceBackoff is the §4.2/§7 "2^n seconds, n in 1..3" policy used by
// the Persistence Layer for every mutation.
func PersistenceBackoff() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: time.Second}
}

// ScpWriteBackoff is the §4.1 SCP staging-write policy: 3 retries at
// 250ms/500ms/1s, all failures fatal to that store.
func ScpWriteBackoff() Policy {
	return Policy{
		MaxAttempts: 4,
		Delays:      []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second},
	}
}

// DiskFullBackoff is the §4.4/§7 IOFull policy: 1s/2s/3s, then fatal.
func DiskFullBackoff() Policy {
	return Policy{
		MaxAttempts: 4,
		Delays:      []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
	}
}

func (p Policy) delayFor(attempt int) time.Duration {
	if attempt-1 < len(p.Delays) {
		return p.Delays[attempt-1]
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// constBackOff replays Policy's fixed delay schedule through the
// backoff.BackOff interface so we can drive github.com/cenkalti/backoff/v4's
// retry loop (context handling, attempt counting) while keeping our own,
// spec-mandated delay sequence.
type constBackOff struct {
	policy  Policy
	attempt int
}

func (b *constBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	return b.policy.delayFor(b.attempt)
}

func (b *constBackOff) Reset() { b.attempt = 0 }

// Do runs fn, retrying per policy while apperrors.Classify(err) reports
// DecisionRetry. It returns the last error on exhaustion, or immediately on
// a fatal/cancelled classification.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		switch apperrors.Classify(err) {
		case apperrors.DecisionRetry:
			return err
		default:
			// Fatal or cancelled: stop retrying immediately by wrapping in
			// backoff.Permanent so the underlying library does not retry.
			return backoff.Permanent(err)
		}
	}

	bo := backoff.WithContext(&constBackOff{policy: policy}, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
