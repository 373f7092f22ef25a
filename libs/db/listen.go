package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listen holds a dedicated connection on LISTEN channel and calls fn for every
// notification payload until ctx is cancelled. Lost connections are re-acquired.
func (p *Pool) Listen(ctx context.Context, logger *slog.Logger, channel string, fn func(payload string)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx, channel, fn); err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "postgres listen interrupted", "channel", channel, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Pool) listenOnce(ctx context.Context, channel string, fn func(payload string)) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}
