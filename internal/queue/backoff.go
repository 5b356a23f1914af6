package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff 计算第 attempt 次失败后的等待时间（指数退避，带抖动）
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: backoff.DefaultRandomizationFactor}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	eb := backoff.NewExponentialBackOff()
	if b.Base > 0 {
		eb.InitialInterval = b.Base
	}
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = b.Jitter
	eb.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
