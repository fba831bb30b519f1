package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/quckapp/presence/internal/backplane"
	"github.com/quckapp/presence/internal/bridge"
	"github.com/quckapp/presence/internal/cluster"
	"github.com/quckapp/presence/internal/config"
	"github.com/quckapp/presence/internal/events"
	"github.com/quckapp/presence/internal/gatekeeper"
	"github.com/quckapp/presence/internal/presence"
	"github.com/quckapp/presence/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the presence node",
	// Override PersistentPreRun so we don't build an API client.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Registry and membership reference each other: membership
		// discounts dead nodes in the registry, the registry asks
		// membership whether a peer's counts are still trustworthy.
		var reg *presence.Registry
		membership := cluster.New(cluster.Config{
			NodeID:   cfg.NodeID,
			Interval: cfg.HeartbeatInterval,
			Misses:   cfg.HeartbeatMisses,
			OnNodeDead: func(nodeID string) {
				logger.Warn("peer node declared dead", "node", nodeID)
				reg.DiscountNode(nodeID)
			},
		})
		reg = presence.New(presence.Config{
			NodeID:      cfg.NodeID,
			DedupWindow: cfg.DedupWindow,
			IsLive:      membership.IsLive,
		})

		reaper := presence.NewReaper(reg, presence.ReaperConfig{
			Grace:         cfg.GraceWindow,
			EvictAfter:    cfg.EvictAfter,
			SweepInterval: cfg.SweepInterval,
		})

		gate := gatekeeper.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if cfg.JWTSecret == "" {
			logger.Warn("PRESENCE_JWT_SECRET not set, realtime connections will be rejected")
		}

		srv := server.New(cfg.NodeID, reg, membership, gate)

		// Connect the backplane. Without PRESENCE_NATS_URL the node runs
		// local-only: its own connections still get presence, nothing is
		// shared with peers or the durable log.
		var (
			bp      *backplane.Backplane
			pub     *bridge.Publisher
			ingest  *bridge.Ingest
			cancels []func()
		)
		var fanout events.Publisher = &events.NoopPublisher{}
		if cfg.NATSURL != "" {
			var opts []nats.Option
			if cfg.NATSUser != "" {
				opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
			}
			bp, err = backplane.Connect(cfg.NATSURL, cfg.NodeID, opts...)
			if err != nil {
				return err
			}
			bp.OnConnectionChange(func(connected bool) {
				membership.SetDegraded(!connected)
				if connected {
					logger.Info("backplane reconnected")
				} else {
					logger.Warn("backplane connection lost, cluster view frozen")
				}
			})

			ctx := context.Background()
			pub, err = bridge.NewPublisher(ctx, bp.Conn())
			if err != nil {
				bp.Close()
				return err
			}
			ingest, err = bridge.StartIngest(ctx, bp.Conn(), reg)
			if err != nil {
				bp.Close()
				return err
			}

			cancels = append(cancels, startFanoutMirror(bp, reg, cfg.NodeID, logger))
			cancels = append(cancels, startHeartbeatConsumer(bp, membership, cfg.NodeID, logger))

			stopStatus, err := bp.ServeStatus(func(userID string) (events.StatusReply, bool) {
				st, lastSeen, ok := reg.GetStatus(userID)
				if !ok {
					return events.StatusReply{}, false
				}
				return events.StatusReply{UserID: userID, Status: string(st), LastSeen: lastSeen}, true
			})
			if err != nil {
				bp.Close()
				return err
			}
			cancels = append(cancels, stopStatus)

			bp.StartHeartbeats(cfg.HeartbeatInterval)
			fanout = bp
			logger.Info("backplane connected", "nats_url", cfg.NATSURL)
		} else {
			logger.Warn("running local-only (PRESENCE_NATS_URL not set)")
		}

		// Every registry mutation lands here, outside the shard locks.
		reg.OnAnnounce(func(a presence.Announce) {
			srv.Broadcast(a.Event)
			if a.Origin == presence.OriginCluster {
				// Mirrored from a peer; republishing would loop.
				return
			}
			if err := fanout.Publish(context.Background(), events.SubjectUserPrefix+a.Event.UserID, a.Event); err != nil {
				logger.Warn("backplane publish failed", "user", a.Event.UserID, "error", err)
			}
			if a.StatusChanged && pub != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := pub.PublishTransition(ctx, a.Event); err != nil {
					logger.Warn("durable publish failed", "user", a.Event.UserID, "error", err)
				}
			}
		})

		reaper.StartSweeper()
		membership.StartSweeper()

		srv.SetHealthSources(serverHealth(bp, ingest))

		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(cfg.AuthToken),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		logger.Info("presence node started",
			"node_id", cfg.NodeID,
			"http_addr", cfg.HTTPAddr,
			"grace_window", cfg.GraceWindow,
			"heartbeat_interval", cfg.HeartbeatInterval,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		for _, cancel := range cancels {
			cancel()
		}
		if ingest != nil {
			ingest.Stop()
		}
		if bp != nil {
			if err := bp.Close(); err != nil {
				logger.Error("error closing backplane", "err", err)
			}
		}
		membership.Stop()
		reaper.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// startFanoutMirror consumes peer announcements from the backplane and
// applies them to the local registry.
func startFanoutMirror(bp *backplane.Backplane, reg *presence.Registry, nodeID string, logger *slog.Logger) func() {
	ch, cancel, err := bp.Subscribe(events.SubjectUserWildcard)
	if err != nil {
		logger.Error("failed to subscribe to presence fanout", "err", err)
		return func() {}
	}
	go func() {
		for data := range ch {
			var ev events.PresenceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Warn("dropping malformed fanout event", "error", err)
				continue
			}
			if ev.SourceNodeID == nodeID {
				// Our own announcement echoed back.
				continue
			}
			reg.Apply(ev, presence.OriginCluster)
		}
	}()
	return cancel
}

// startHeartbeatConsumer feeds peer heartbeats into the membership table.
func startHeartbeatConsumer(bp *backplane.Backplane, membership *cluster.Membership, nodeID string, logger *slog.Logger) func() {
	ch, cancel, err := bp.Subscribe(events.SubjectHeartbeat)
	if err != nil {
		logger.Error("failed to subscribe to heartbeats", "err", err)
		return func() {}
	}
	go func() {
		for data := range ch {
			var hb events.Heartbeat
			if err := json.Unmarshal(data, &hb); err != nil {
				logger.Warn("dropping malformed heartbeat", "error", err)
				continue
			}
			if hb.NodeID == "" || hb.NodeID == nodeID {
				continue
			}
			membership.Heartbeat(hb.NodeID)
		}
	}()
	return cancel
}

func serverHealth(bp *backplane.Backplane, ingest *bridge.Ingest) server.HealthSources {
	var h server.HealthSources
	if bp != nil {
		h.Backplane = func() (bool, error) { return bp.Healthy(), bp.LastError() }
	}
	if ingest != nil {
		h.IngestLag = ingest.Lag
		h.IngestSkipped = ingest.Skipped
	}
	return h
}
