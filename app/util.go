package app

import (
	"context"
	"fmt"
	"time"
)

// an unexpected status code returned by an external service
type HttpErr struct {
	Service string
	Code    int
}

func (err HttpErr) Error() string {
	return fmt.Sprintf("%s returned status code %d", err.Service, err.Code)
}

// retries the given function up to "retries" times in case the function returns an error
func Retry(f func() error, retries int) error {
	if err := f(); err != nil {
		if retries == 0 {
			return err
		}
		return Retry(f, retries-1)
	}
	return nil
}

// like Retry, but waits between attempts, doubling the wait every time.
// Stops waiting when ctx is done.
func RetryBackoff(ctx context.Context, f func() error, retries int, wait time.Duration) error {
	if err := f(); err != nil {
		if retries == 0 {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		return RetryBackoff(ctx, f, retries-1, 2*wait)
	}
	return nil
}
