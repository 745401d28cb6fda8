// Package session wires Agents to the outside world: the TCP control
// handshake that assigns each receiver its own data port, the fan-out
// capture loop that feeds every live receiver, the receiving client, and
// the legacy single-receiver bootstrap.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/1ureka/framecast/internal/agent"
	"github.com/1ureka/framecast/internal/media"
)

// DefaultFPS is the capture rate used when none is configured.
const DefaultFPS = 30

// captureLoop reads frames from src at most fps times per second and sends
// each one to every Agent returned by targets, in parallel. A tick with no
// targets skips the source. It returns when ctx is done or src fails.
func captureLoop(ctx context.Context, log *zap.Logger, src media.Source, fps int, targets func() []*agent.Agent) error {
	if fps <= 0 {
		fps = DefaultFPS
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctxErr(ctx, err)
		}

		peers := targets()
		if len(peers) == 0 {
			continue
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, media.ErrNoFrame) {
			continue
		}
		if err != nil {
			return ctxErr(ctx, err)
		}

		var wg sync.WaitGroup
		for _, a := range peers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.SendData(ctx, frame); err != nil && ctx.Err() == nil && !errors.Is(err, agent.ErrStopped) {
					log.Warn("send failed", zap.Stringer("peer", a.Remote()), zap.Error(err))
				}
			}()
		}
		wg.Wait()
	}
}

// ctxErr reports a cancelled context as a clean stop.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
