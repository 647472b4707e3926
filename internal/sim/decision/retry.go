package decision

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"pgglab.ai/internal/sim/tuning"
)

// Retrier wraps a Port with bounded attempts and a fixed backoff. Permanent
// errors and context cancellation stop it early. The caller owns the fallback
// (contribution 0, belief unchanged) once the last error is returned.
type Retrier struct {
	port   Port
	policy tuning.RetryPolicy
	logger *log.Logger
}

func NewRetrier(port Port, policy tuning.RetryPolicy, logger *log.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{port: port, policy: policy, logger: logger}
}

func (r *Retrier) Decide(ctx context.Context, req Request) (Decision, error) {
	var out Decision
	err := r.do(ctx, "decide", req.AgentID, req.Round, func(ctx context.Context) error {
		d, err := r.port.Decide(ctx, req)
		if err != nil {
			return err
		}
		if math.IsNaN(d.Contribution) || math.IsInf(d.Contribution, 0) {
			return malformed("contribution %v is not finite", d.Contribution)
		}
		out = d
		return nil
	})
	return out, err
}

func (r *Retrier) Reflect(ctx context.Context, req ReflectRequest) (Reflection, error) {
	var out Reflection
	err := r.do(ctx, "reflect", req.AgentID, req.Round, func(ctx context.Context) error {
		ref, err := r.port.Reflect(ctx, req)
		if err != nil {
			return err
		}
		if ref.Summary == "" {
			return malformed("empty belief")
		}
		out = ref
		return nil
	})
	return out, err
}

func (r *Retrier) do(ctx context.Context, op, agentID string, round int, fn func(context.Context) error) error {
	var last error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = r.attempt(ctx, fn)
		if last == nil {
			return nil
		}
		if r.logger != nil {
			r.logger.Printf("%s agent=%s round=%d attempt=%d/%d: %v", op, agentID, round, attempt, r.policy.MaxAttempts, last)
		}
		if IsPermanent(last) || ctx.Err() != nil {
			return last
		}
		if attempt < r.policy.MaxAttempts {
			if err := sleep(ctx, r.policy.Backoff()); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s: %d attempts: %w", op, r.policy.MaxAttempts, last)
}

func (r *Retrier) attempt(ctx context.Context, fn func(context.Context) error) error {
	if d := r.policy.AttemptTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
