package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"hub/server/internal/audio"
	"hub/server/internal/control"
	"hub/server/internal/httpapi"
	"hub/server/internal/registry"
	"hub/server/internal/screenshare"
	"hub/server/internal/store"
	"hub/server/internal/transfer"
	"hub/server/internal/video"
)

// Version is the server's release identifier, reported by `hub version`
// and embedded in status responses.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "hub.db") {
			return
		}
	}

	cfg := DefaultConfig()

	bindHost := flag.String("bind-host", cfg.BindHost, "address to bind listeners on")
	controlPort := flag.Int("control-port", cfg.ControlPort, "TCP control-plane port")
	audioPort := flag.Int("audio-port", cfg.AudioPort, "UDP audio mixer port")
	videoIngressPort := flag.Int("video-ingress-port", cfg.VideoIngressPort, "UDP video ingress port")
	videoBroadcastPort := flag.Int("video-broadcast-port", cfg.VideoBroadcastPort, "UDP video broadcast source port")
	statusAddr := flag.String("status-addr", cfg.StatusAddr, "HTTP status sidecar listen address (empty to disable)")
	uploadDir := flag.String("upload-dir", cfg.UploadDir, "directory for uploaded files")
	dbPath := flag.String("db", "hub.db", "SQLite database path for settings and audit events (empty to disable)")
	rateLimit := flag.Int("rate-limit", cfg.ControlRateLimit, "maximum control messages per second per client")
	testToneUID := flag.Int("test-tone-uid", 0, "if nonzero, start a virtual client sending a 440 Hz tone as this uid")
	flag.Parse()

	cfg.BindHost = *bindHost
	cfg.ControlPort = *controlPort
	cfg.AudioPort = *audioPort
	cfg.VideoIngressPort = *videoIngressPort
	cfg.VideoBroadcastPort = *videoBroadcastPort
	cfg.StatusAddr = *statusAddr
	cfg.UploadDir = *uploadDir
	cfg.ControlRateLimit = *rateLimit

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		slog.Error("create upload dir", "err", err)
		os.Exit(1)
	}

	var auditStore *store.Store
	if *dbPath != "" {
		st, err := store.Open(*dbPath)
		if err != nil {
			slog.Error("open store", "err", err)
			os.Exit(1)
		}
		defer st.Close()
		auditStore = st
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	hub := registry.NewHub(cfg.ChatRingSize)

	broker, err := transfer.New(transfer.Config{
		UploadDir:   cfg.UploadDir,
		Deadline:    cfg.TransferDeadline,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		slog.Error("construct transfer broker", "err", err)
		os.Exit(1)
	}

	relay := screenshare.New()

	mixer, err := audio.New(audio.Config{
		LateMs:       cfg.AudioLateMs,
		EvictTimeout: cfg.AudioEvictTimeout,
		EvictSweep:   cfg.AudioEvictSweep,
		Tick:         cfg.AudioTick,
	}, net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.AudioPort)))
	if err != nil {
		slog.Error("construct audio mixer", "err", err)
		os.Exit(1)
	}
	defer mixer.Close()

	fanout, err := video.New(video.Config{
		MaxFramesPerUID: cfg.MaxFramesPerUID,
		MaxFrameSize:    cfg.MaxFrameSize,
		MaxChunks:       cfg.MaxChunks,
		MaxChunkSize:    cfg.MaxChunkSize,
		ChunkTimeout:    cfg.VideoChunkTimeout,
		SweepPeriod:     cfg.VideoSweep,
		EvictTimeout:    cfg.VideoEvictTimeout,
		EvictSweep:      cfg.AudioEvictSweep,
	}, net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.VideoIngressPort)), net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.VideoBroadcastPort)))
	if err != nil {
		slog.Error("construct video fanout", "err", err)
		os.Exit(1)
	}
	defer fanout.Close()

	hub.OnLeave(func(uid uint32, name string) {
		mixer.Evict(uid)
		fanout.Evict(uid)
		if auditStore != nil {
			_ = auditStore.RecordEvent(context.Background(), uid, name, "leave", "")
		}
	})

	ctrl := control.New(hub, broker, relay, cfg.ControlRateLimit, cfg.ControlIdleTimeout, cfg.ControlIdleSweep)

	go RunMetrics(ctx, hub, 30*time.Second)

	if cfg.StatusAddr != "" {
		api := httpapi.New(hub, auditStore)
		go func() {
			if err := api.Run(ctx, cfg.StatusAddr); err != nil {
				slog.Error("status sidecar stopped", "err", err)
			}
		}()
		slog.Info("status sidecar listening", "addr", cfg.StatusAddr)
	}

	if *testToneUID != 0 {
		go RunTestBot(ctx, net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.AudioPort)), uint32(*testToneUID))
	}

	controlAddr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.ControlPort))
	slog.Info("control plane listening", "addr", controlAddr)
	if err := ctrl.ListenAndServe(ctx, controlAddr); err != nil {
		slog.Error("control plane stopped", "err", err)
		os.Exit(1)
	}
}
