package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/mock"
	"github.com/gsaps/realtime/internal/relay"
	"github.com/gsaps/realtime/internal/symposium"
)

func main() {
	mockMode := flag.Bool("mock", false, "Fill a room with simulated participants")
	mockRoom := flag.String("room", "room-1", "Room the simulated participants join")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockMode, *mockRoom); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shut down")
}

func run(ctx context.Context, cfg *config.Config, mockMode bool, mockRoom string) error {
	hub := relay.NewHub(cfg.Server.ClientBuffer)
	server := relay.NewServer(cfg.Server, hub)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Serve(ctx, ln, mux)
	})

	if mockMode {
		log.Printf("Starting in mock mode (room %s)", mockRoom)
		// The listener is already accepting, so participants can dial it.
		cfg.Realtime.URL = "ws://" + dialAddr(ln.Addr()) + "/ws"
		gen := mock.NewGenerator(cfg, mockRoom, nil)
		if cfg.Session.SnapshotsFile != "" {
			snaps, err := symposium.SnapshotsFromFile(cfg.Session.SnapshotsFile)
			if err != nil {
				return fmt.Errorf("load snapshots: %w", err)
			}
			gen.SetSnapshots(snaps)
		}
		g.Go(func() error {
			return gen.Start(ctx)
		})
	}

	return g.Wait()
}

// dialAddr turns a wildcard listen address into one a local client can dial.
func dialAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}
