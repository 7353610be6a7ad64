package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listener subscribes to the batch work channel so schedulers can wake as
// soon as executions become claimable, instead of waiting out a poll
// interval.
type Listener struct {
	listener *pq.Listener
	updates  chan string
}

// NewListener creates a LISTEN/NOTIFY subscriber for the given connection
// string.
func NewListener(connStr string) *Listener {
	pl := pq.NewListener(connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Postgres listener event")
		}
	})
	return &Listener{
		listener: pl,
		updates:  make(chan string, 16),
	}
}

// Start subscribes to the work channel and forwards batch ids until the
// context is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.listener.Listen(notifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	go func() {
		defer close(l.updates)

		// Periodic ping keeps the listener connection alive through
		// proxies and detects silent drops.
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Reconnect event; the channel subscription survives.
					continue
				}
				select {
				case l.updates <- n.Extra:
				default:
					// A slow consumer only delays a wake-up; schedulers
					// poll regardless.
				}
			case <-ping.C:
				if err := l.listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("Postgres listener ping failed")
				}
			}
		}
	}()

	log.Info().Str("channel", notifyChannel).Msg("Listening for batch work notifications")
	return nil
}

// Updates yields batch ids that have claimable work. The channel closes
// when the listener stops.
func (l *Listener) Updates() <-chan string {
	return l.updates
}

// Close tears down the underlying connection.
func (l *Listener) Close() error {
	return l.listener.Close()
}
