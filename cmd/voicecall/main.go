package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/silviot/voicecall/internal/config"
	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/audio"
	"github.com/silviot/voicecall/pkg/call"
	"github.com/silviot/voicecall/pkg/device"
	"github.com/silviot/voicecall/pkg/signaling"
	rtc "github.com/silviot/voicecall/pkg/webrtc"
)

var version = "dev"

func main() {
	// Parse flags
	var (
		configPath   = flag.String("config", "", "Path to the YAML configuration file")
		listenAddr   = flag.String("listen", "", "HTTP listen address (overrides server.listen_addr)")
		signalingURL = flag.String("signaling-url", "", "Signaling relay WebSocket URL")
		token        = flag.String("token", "", "Bearer token for the signaling relay")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		listDevices  = flag.Bool("list-devices", false, "Print audio devices and exit")
	)
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("VOICECALL_CONFIG")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *signalingURL != "" {
		cfg.Signaling.URL = *signalingURL
	}
	if *token != "" {
		cfg.Signaling.Token = *token
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if *listDevices {
		if err := printDevices(logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Signaling.URL == "" {
		fmt.Fprintf(os.Stderr, "Error: missing signaling relay URL:\n")
		fmt.Fprintf(os.Stderr, "  set signaling.url, VOICECALL_SIGNALING_URL or -signaling-url\n")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("voicecall exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting voicecall",
		"version", version,
		"listen", cfg.Server.ListenAddr,
		"signaling_url", cfg.Signaling.URL,
		"auto_answer", cfg.Calls.AutoAnswer)

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicecall",
		ServiceVersion: version,
		InstanceID:     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()
	metrics := telemetry.Metrics

	// Shared audio hardware
	backend, err := device.NewMalgoBackend(logger)
	if err != nil {
		return fmt.Errorf("init audio backend: %w", err)
	}
	defer backend.Close()

	dev := device.New(backend, device.Options{
		InputDevice:        cfg.Audio.InputDevice,
		OutputDevice:       cfg.Audio.OutputDevice,
		BlockSize:          cfg.Audio.BlockSize,
		CaptureQueueSize:   cfg.Audio.CaptureQueueSize,
		OutputFormats:      cfg.Audio.ParsedOutputFormats(),
		FallbackSampleRate: cfg.Audio.FallbackSampleRate,
		Logger:             logger,
		Metrics:            metrics,
	})
	defer dev.Close()

	factory, err := rtc.NewFactory(connectionConfig(cfg.WebRTC), logger)
	if err != nil {
		return fmt.Errorf("init webrtc: %w", err)
	}
	logger.Info("webrtc configured", "ice_servers", factory.ICEServerCount())

	client := signaling.NewClient(signaling.Config{
		URL:              cfg.Signaling.URL,
		Token:            cfg.Signaling.Token,
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
		PingInterval:     cfg.Signaling.PingInterval,
		Logger:           logger,
	})
	defer client.Close()

	manager, err := call.NewManager(call.ManagerConfig{
		Transport: client,
		Peers:     factory,
		NewMedia: func(peerID string) (call.Media, error) {
			return call.NewAudioMedia("voicecall-"+uuid.NewString(), mediaConfig(cfg.Audio, dev, logger, metrics))
		},
		AutoAnswer:            cfg.Calls.AutoAnswer,
		MaxConcurrentCalls:    cfg.Calls.MaxConcurrentCalls,
		GatherGrace:           cfg.WebRTC.ICEGatherGrace,
		RestartTimeout:        cfg.WebRTC.RestartTimeout,
		PendingCandidateTTL:   cfg.Calls.PendingCandidateTTL,
		PendingCandidateLimit: cfg.Calls.PendingCandidateLimit,
		Observer:              call.LogObserver{Logger: logger},
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}

	// Setup HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"calls":     manager.CallCount(),
			"signaling": client.IsConnected(),
			"timestamp": time.Now().Unix(),
		})
	})
	mux.Handle("GET /metrics", telemetry.Handler())
	manager.RegisterRoutes(mux, dev)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return maintainSignaling(gctx, client, logger)
	})
	g.Go(func() error {
		return manager.Run(gctx, client.Messages())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, gracefully shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()

	// Hang up while the relay is still reachable
	if cerr := manager.Close(); cerr != nil {
		logger.Warn("call manager close error", "error", cerr)
	}
	logger.Info("voicecall stopped")
	return err
}

// maintainSignaling keeps the relay connection up, reconnecting with capped
// exponential backoff until ctx is done.
func maintainSignaling(ctx context.Context, client *signaling.Client, logger *slog.Logger) error {
	const (
		minBackoff = time.Second
		maxBackoff = 30 * time.Second
	)
	backoff := minBackoff

	for {
		if err := client.Connect(ctx); err != nil {
			logger.Warn("signaling connect failed, retrying", "error", err, "backoff", backoff)
		} else {
			backoff = minBackoff
			select {
			case <-ctx.Done():
				return nil
			case err := <-client.Errors():
				logger.Warn("signaling connection lost", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func connectionConfig(c config.WebRTCConfig) rtc.ConnectionConfig {
	cc := rtc.ConnectionConfig{
		STUN:                c.STUN,
		ReceiveMTU:          c.ReceiveMTU,
		DisconnectedTimeout: c.DisconnectedTimeout,
	}
	for _, t := range c.TURN {
		cc.TURN = append(cc.TURN, rtc.TURNServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return cc
}

func mediaConfig(a config.AudioConfig, dev *device.AudioDevice, logger *slog.Logger, metrics *observe.Metrics) call.MediaConfig {
	return call.MediaConfig{
		Audio:         call.DeviceIO(dev),
		SampleRate:    a.SampleRate,
		Channels:      a.Channels,
		FrameDuration: a.FrameDuration,
		ReadTimeout:   a.ReadTimeout,
		NoiseGate: audio.NoiseGate{
			Threshold:   a.NoiseGateThreshold,
			Attenuation: float32(a.NoiseGateAttenuation),
		},
		NormalizePeak:    float32(a.NormalizePeak),
		PlaybackRate:     a.PlaybackSampleRate,
		PlaybackChannels: a.PlaybackChannels,
		Gain:             float32(a.PlaybackGain),
		StopGrace:        a.StopGrace,
		Logger:           logger,
		Metrics:          metrics,
	}
}

func printDevices(logger *slog.Logger) error {
	backend, err := device.NewMalgoBackend(logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	infos, err := device.New(backend, device.Options{
		InputDevice:  device.DefaultDevice,
		OutputDevice: device.DefaultDevice,
		Logger:       logger,
	}).Devices()
	if err != nil {
		return err
	}
	for _, d := range infos {
		def := ""
		if d.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%3d  %-40s in:%d out:%d %dHz%s\n",
			d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
	}
	return nil
}

// setupLogger creates a structured logger
func setupLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
