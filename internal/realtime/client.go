// Package realtime is the client side of the collaborative session layer: a
// Connection bound to the current identity, a Router for room-scoped
// channels, a Coordinator for acknowledged emissions and a Store that
// aggregates presence, typing, feed updates and notifications.
//
// Inbound events are dispatched on the connection's read goroutine in
// arrival order. Emissions never block on the network.
package realtime

import (
	"context"

	"github.com/gsaps/realtime/internal/config"
)

// Client bundles the pieces that share one Connection.
type Client struct {
	Conn    *Connection
	Router  *Router
	Emitter *Coordinator
	Store   *Store
}

// NewClient builds a Client from cfg. The Coordinator's ack registry stops
// when ctx is done. If dialer is nil a WebSocketDialer for cfg.URL is used.
func NewClient(ctx context.Context, cfg config.RealtimeConfig, dialer Dialer) *Client {
	if dialer == nil {
		dialer = &WebSocketDialer{
			URL:          cfg.URL,
			WriteTimeout: cfg.WriteTimeout,
			PongTimeout:  cfg.PongTimeout,
		}
	}

	timeout := cfg.AckTimeout
	if timeout <= 0 {
		timeout = config.DefaultAckTimeout
	}

	conn := NewConnection(dialer, Options{
		PingInterval:  cfg.PingInterval,
		AutoReconnect: cfg.AutoReconnect,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	})

	return &Client{
		Conn:    conn,
		Router:  NewRouter(conn),
		Emitter: NewCoordinator(ctx, conn, timeout),
		Store:   NewStore(conn, cfg.FeedCap),
	}
}

// Close disconnects the transport.
func (c *Client) Close() {
	c.Conn.Disconnect()
}
