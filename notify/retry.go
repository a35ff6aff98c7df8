package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
)

// Retrying retries a failed Send up to Attempts times, sleeping Backoff*n
// after the nth failure.
type Retrying struct {
	next     careAuth.Notifier
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

var _ careAuth.Notifier = (*Retrying)(nil)

func NewRetrying(next careAuth.Notifier, attempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff < 0 {
		backoff = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *Retrying) Send(ctx context.Context, notice careAuth.Notice) error {
	var err error
	for i := 1; i <= r.attempts; i++ {
		err = r.next.Send(ctx, notice)
		if err == nil || errors.Is(err, ErrInvalidNotice) {
			return err
		}
		if i == r.attempts {
			break
		}
		r.logger.WarnContext(ctx, "notice send failed, retrying",
			"kind", string(notice.Kind),
			"attempt", i,
			"error", err,
		)

		wait := r.backoff * time.Duration(i)
		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}
