package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
	"github.com/gsaps/realtime/internal/symposium"
)

var errRejected = errors.New("rejected by relay")

// session is one connected client with one open room.
type session struct {
	client     *realtime.Client
	room       *symposium.Room
	events     <-chan symposium.LastEvent
	stopEvents func()
	cancel     context.CancelFunc
	timeout    time.Duration
}

func resolveIdentity(v *viper.Viper) (*identity.Identity, error) {
	token := v.GetString(tokenKey)
	user := v.GetString(userKey)

	if token == "" {
		if user == "" {
			user = identity.AnonymousID
		}
		return &identity.Identity{ID: user}, nil
	}

	id, err := identity.FromToken(token)
	if err != nil {
		return nil, err
	}
	if user != "" && user != id.ID {
		return nil, fmt.Errorf("--user %q: %w", user, identity.ErrUserMismatch)
	}
	return id, nil
}

func snapshots(v *viper.Viper) (*symposium.Snapshots, error) {
	return symposium.SnapshotsFromFile(v.GetString(snapshotsKey))
}

// openSession connects to the relay and opens roomID. reconnect keeps the
// connection alive across drops, for long-running commands.
func openSession(ctx context.Context, v *viper.Viper, roomID string, reconnect bool) (*session, error) {
	id, err := resolveIdentity(v)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshots(v)
	if err != nil {
		return nil, err
	}

	rc := config.Default().Realtime
	rc.URL = v.GetString(urlKey)
	rc.AutoReconnect = reconnect
	if d := v.GetDuration(ackTimeoutKey); d > 0 {
		rc.AckTimeout = d
	}

	ctx, cancel := context.WithCancel(ctx)
	client := realtime.NewClient(ctx, rc, nil)
	if err := client.Conn.Connect(ctx, id); err != nil {
		client.Close()
		cancel()
		return nil, fmt.Errorf("connect %s: %w", rc.URL, err)
	}

	sc := config.Default().Session
	sc.Namespace = v.GetString(namespaceKey)
	room := symposium.NewAdapter(client, snaps, sc).Open(ctx, roomID)
	events, stop := room.Events()

	return &session{
		client:     client,
		room:       room,
		events:     events,
		stopEvents: stop,
		cancel:     cancel,
		timeout:    rc.AckTimeout,
	}, nil
}

func (s *session) close() {
	s.stopEvents()
	s.room.Close()
	s.client.Close()
	s.cancel()
}

// settle waits until every emission of the session has settled and
// reports the ones the relay rejected.
func (s *session) settle(ctx context.Context) error {
	deadline := time.NewTimer(s.timeout + time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var failed []string
	events := s.events
	quiet := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.HasSuffix(ev.Type, ":error") {
				failed = append(failed, strings.TrimSuffix(ev.Type, ":error"))
			}
		case <-ticker.C:
			// Callbacks run just after an emission leaves the registry, so
			// wait for a second quiet tick.
			if s.client.Emitter.Pending() > 0 {
				quiet = 0
				continue
			}
			if quiet++; quiet < 2 {
				continue
			}
			failed = append(failed, drainErrors(events)...)
			if len(failed) > 0 {
				return fmt.Errorf("%s: %w", strings.Join(failed, ", "), errRejected)
			}
			return nil
		case <-deadline.C:
			return realtime.ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drainErrors(events <-chan symposium.LastEvent) []string {
	var failed []string
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return failed
			}
			if strings.HasSuffix(ev.Type, ":error") {
				failed = append(failed, strings.TrimSuffix(ev.Type, ":error"))
			}
		default:
			return failed
		}
	}
}
