// internal/registry/connection.go
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Transport is the socket a Connection owns. Write must honour ctx.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Connection is a single live transport admitted by the Registry.
type Connection struct {
	ID         uuid.UUID
	RemoteAddr string
	AdmittedAt time.Time

	transport    Transport
	send         chan []byte
	writeTimeout time.Duration
	limiter      *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	sessionCode string
	playerID    string
	lastSent    time.Time
	lastAck     time.Time

	closeOnce sync.Once
	logger    *logrus.Entry
}

// Send queues data for delivery without blocking. A full buffer is reported
// as ErrDeliveryFailed so the caller can decide to drop or retry.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return errs.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errs.ErrConnectionClosed
	default:
		return errs.ErrDeliveryFailed
	}
}

// Binding returns the session and player this connection has joined as.
func (c *Connection) Binding() (code, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCode, c.playerID
}

// Allow consumes one token of the inbound rate limit.
func (c *Connection) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Context is cancelled when the connection is removed.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Heartbeats returns the last heartbeat sent and the last one acknowledged.
func (c *Connection) Heartbeats() (sent, acked time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent, c.lastAck
}

func (c *Connection) writePump(onFail func(error)) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.transport.Write(writeCtx, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					onFail(err)
				}
				return
			}
		}
	}
}

// close cancels pending deliveries and closes the transport in the background,
// so a stuck peer can never block the caller.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		go func() {
			if err := c.transport.Close(reason); err != nil {
				c.logger.WithError(err).Debug("Transport close failed")
			}
		}()
		close(c.done)
	})
}
