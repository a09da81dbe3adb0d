package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"camshare/internal/hal"
	"camshare/internal/manager"
	"camshare/internal/relay"
	"camshare/internal/sim"
	"camshare/internal/status"
	"camshare/internal/virtual"
)

const (
	appName = "camshare"
	appDesc = "camera session multiplexer"
)

func main() {

	app := cli.App(appName, appDesc)

	statusAddr := app.String(cli.StringOpt{
		Name:   "addr.status",
		Desc:   "listen address for the diagnostics HTTP server",
		EnvVar: "STATUS_ADDR",
		Value:  ":8080",
	})

	grpcAddr := app.String(cli.StringOpt{
		Name:   "addr.grpc",
		Desc:   "listen address for the gRPC health endpoint",
		EnvVar: "GRPC_ADDR",
		Value:  ":9090",
	})

	databaseFolder := app.String(cli.StringOpt{
		Name:   "database",
		Desc:   "folder holding persisted camera metadata",
		EnvVar: "DATABASE_FOLDER",
		Value:  "data",
	})

	cameras := app.Strings(cli.StringsOpt{
		Name:   "camera",
		Desc:   "simulated camera IDs to register",
		EnvVar: "CAMERAS",
		Value:  []string{"front"},
	})

	frameInterval := app.Int(cli.IntOpt{
		Name:   "frame-interval-ms",
		Desc:   "simulated camera frame interval in milliseconds",
		EnvVar: "FRAME_INTERVAL_MS",
		Value:  33,
	})

	relayCamera := app.String(cli.StringOpt{
		Name:   "relay.camera",
		Desc:   "camera ID to republish over RTP, empty disables the relay",
		EnvVar: "RELAY_CAMERA",
		Value:  "",
	})

	relayDest := app.String(cli.StringOpt{
		Name:   "relay.dest",
		Desc:   "host:port the RTP relay publishes to",
		EnvVar: "RELAY_DEST",
		Value:  "127.0.0.1:5004",
	})

	app.Action = func() {
		ctx := context.Background()

		if err := os.MkdirAll(*databaseFolder, 0o755); err != nil {
			log.WithError(err).Panic("failed to create database folder")
		}

		mgr := manager.New(*databaseFolder)
		for _, id := range *cameras {
			driver := sim.New(id, sim.Config{
				FrameInterval: time.Duration(*frameInterval) * time.Millisecond,
			})
			if _, err := mgr.AddCamera(id, driver, hal.Config{SyncSupported: true}); err != nil {
				log.WithError(err).Panicf("failed to register camera %s", id)
			}
			log.Infof("registered camera %s", id)
		}

		group, ctx := errgroup.WithContext(ctx)

		group.Go(func() error {
			return status.New(*statusAddr, mgr).Start(ctx)
		})

		group.Go(func() error {
			return serveHealth(ctx, *grpcAddr)
		})

		if *relayCamera != "" {
			group.Go(func() error {
				return runRelay(ctx, mgr, *relayCamera, *relayDest)
			})
		}

		if err := group.Wait(); err != nil {
			log.WithError(err).Panic("service exited")
		}
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to start application")
	}
}

// serveHealth answers gRPC health checks so orchestrators can probe the
// process without touching the HTTP surface.
func serveHealth(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		server.GracefulStop()
	}()

	log.Infof("grpc health endpoint listening on %s", addr)
	if err := server.Serve(lis); err != nil {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return ctx.Err()
}

// runRelay keeps one RTP publisher alive for the named camera, following
// the manager's enable and disable events.
func runRelay(ctx context.Context, mgr *manager.Manager, cameraID, dest string) error {
	events := make(chan *manager.Event, 16)
	unsubscribe := mgr.Subscribe(func(ev *manager.Event) {
		select {
		case events <- ev:
		default:
			log.Warn("relay event queue overflow, dropping event")
		}
	})
	defer unsubscribe()

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel = nil
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Meta == nil || ev.Meta.Id != cameraID {
				continue
			}
			switch ev.Type {
			case manager.EventTypeStartCamera:
				if cancel != nil {
					continue
				}
				cam, err := mgr.Open(cameraID, virtual.Spec{
					AllowedBuffers: 2,
					FenceDelivery:  true,
					EventBuffer:    8,
				})
				if err != nil {
					log.WithError(err).Errorf("failed to open camera %s for relay", cameraID)
					continue
				}
				if err := cam.Start(); err != nil {
					log.WithError(err).Errorf("failed to start camera %s for relay", cameraID)
					cam.Close()
					continue
				}
				publisher, err := relay.New(cam, relay.Config{Destination: dest})
				if err != nil {
					log.WithError(err).Error("failed to create relay publisher")
					cam.Close()
					continue
				}
				if description, err := publisher.Describe(); err == nil {
					log.Infof("relay for %s publishing to %s\n%s", cameraID, dest, description)
				}

				var relayCtx context.Context
				relayCtx, cancel = context.WithCancel(ctx)
				done = make(chan struct{})
				go func(cam *virtual.Camera, done chan struct{}) {
					defer close(done)
					defer cam.Close()
					if err := publisher.Run(relayCtx); err != nil && relayCtx.Err() == nil {
						log.WithError(err).Warnf("relay for %s stopped", cameraID)
					}
				}(cam, done)
			case manager.EventTypeStopCamera:
				stop()
			}
		}
	}
}
