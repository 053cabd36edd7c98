package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/config"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/monitor"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/notify"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/perception"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/recorder"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/statusapi"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/webrtc"
)

var (
	// Command-line flags. Flags that are set override the config file and
	// POSTURE_* environment variables.
	configPath     = flag.String("config", "", "YAML config file")
	envFile        = flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	httpAddr       = flag.String("http", "", "HTTP server address")
	metricsAddr    = flag.String("metrics", "", "Metrics server address (empty disables)")
	pprofAddr      = flag.String("pprof", "", "pprof server address (empty disables)")
	recordPath     = flag.String("record-path", "", "Measurement recording output path")
	perceptionMode = flag.String("perception-mode", "", "Measurement source (process, stdin, file)")
	perceptionFile = flag.String("perception-file", "", "Recorded measurement file for -perception-mode=file")
	autoStart      = flag.Bool("auto-start", false, "Start detection at startup")
	enableWebRTC   = flag.Bool("webrtc", false, "Enable the WebRTC status data channel")
	logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor       = flag.Bool("log-color", true, "Enable colored log output")
	logFile        = flag.String("log-file", "", "Also write logs to this rotating file")
)

// Server is the posture monitoring server
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        *config.Config
	metrics    *metrics.Metrics
	engine     *engine.Engine
	runner     *monitor.Runner
	dispatcher *notify.Dispatcher
	mqtt       *notify.MQTTSink
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	api        *statusapi.Server
	httpServer *http.Server
	logCloser  io.Closer
}

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	var out io.Writer = os.Stderr
	var logCloser io.Closer
	if cfg.Log.File != "" {
		fw := logger.FileWriter(logger.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		out = io.MultiWriter(os.Stderr, fw)
		logCloser = fw
		// Escape codes would end up in the file.
		cfg.Log.Color = false
	}
	logger.Init(level, out, cfg.Log.Color)

	logger.Info("Main", "Posture server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.logCloser = logCloser

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.Addr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "record-path":
			cfg.Recording.Path = *recordPath
		case "perception-mode":
			cfg.Perception.Mode = *perceptionMode
		case "perception-file":
			cfg.Perception.File = *perceptionFile
		case "auto-start":
			cfg.Server.AutoStart = *autoStart
		case "webrtc":
			cfg.WebRTC.Enabled = *enableWebRTC
		case "log-level":
			cfg.Log.Level = strings.ToLower(*logLevel)
		case "log-color":
			cfg.Log.Color = *logColor
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
}

// NewServer wires the engine, the worker and its sinks, and the HTTP API.
func NewServer(cfg *config.Config) (*Server, error) {
	engineCfg, err := cfg.Engine.EngineConfig()
	if err != nil {
		return nil, err
	}
	codec, err := perception.ParseCodec(cfg.Perception.Codec)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	rec := recorder.NewRecorder(cfg.Recording.Path, codec, m)

	alerts := statusapi.NewAlertBroadcaster()
	sinks := []notify.Sink{alerts}

	var mqttSink *notify.MQTTSink
	if cfg.MQTT.Enabled {
		mqttSink = notify.NewMQTTSink(notify.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			InstanceID:  cfg.MQTT.InstanceID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		sinks = append(sinks, mqttSink)
	}

	dispatcher := notify.NewDispatcher(notify.Options{
		InstanceID: cfg.MQTT.InstanceID,
		Metrics:    m,
		Sinks:      sinks,
	})

	snapshotSinks := []monitor.SnapshotSink{dispatcher}
	deps := statusapi.Deps{
		Engine:      eng,
		Recorder:    rec,
		Alerts:      alerts,
		Resetter:    []statusapi.Resetter{dispatcher},
		Metrics:     m,
		BaseContext: ctx,
	}

	var webrtcSrv *webrtc.Server
	if cfg.WebRTC.Enabled {
		webrtcSrv = webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients, m)
		snapshotSinks = append(snapshotSinks, webrtcSrv)
		deps.WebRTC = webrtcSrv
	}

	runner := monitor.New(eng, sourceFactory(cfg.Perception, codec), monitor.Options{
		Interval:         cfg.Worker.Interval,
		LogEvery:         10,
		Metrics:          m,
		SnapshotSinks:    snapshotSinks,
		MeasurementSinks: []monitor.MeasurementSink{rec},
	})
	deps.Detector = runner

	api := statusapi.NewServer(statusapi.Config{
		AllowedOrigin:  cfg.Server.AllowedOrigin,
		StatusInterval: cfg.Server.StatusInterval,
	}, deps)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	return &Server{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		metrics:    m,
		engine:     eng,
		runner:     runner,
		dispatcher: dispatcher,
		mqtt:       mqttSink,
		webrtc:     webrtcSrv,
		recorder:   rec,
		api:        api,
		httpServer: httpServer,
	}, nil
}

// sourceFactory opens a fresh measurement source for every detection run.
func sourceFactory(pc config.PerceptionConfig, codec perception.Codec) monitor.SourceFactory {
	return func(ctx context.Context) (perception.Source, error) {
		switch pc.Mode {
		case "process":
			return perception.StartProcess(ctx, perception.ProcessConfig{
				Command: pc.Command,
				Args:    pc.Args,
				Codec:   codec,
			})
		case "stdin":
			return perception.NewStreamSource(os.Stdin, codec, perception.StreamOptions{LatestOnly: true})
		case "file":
			src, err := perception.OpenFile(pc.File, codec)
			if err != nil {
				return nil, err
			}
			if pc.Pace {
				return perception.Paced(src), nil
			}
			return src, nil
		default:
			return nil, fmt.Errorf("unknown perception mode %q", pc.Mode)
		}
	}
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting posture server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.Addr)
	logger.Info("Main", "  Perception: %s (codec=%s)", s.cfg.Perception.Mode, s.cfg.Perception.Codec)
	logger.Info("Main", "  Distance threshold: %.3f", s.engine.Config().DistanceThreshold)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.Path)

	if addr := s.cfg.Server.PprofAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if addr := s.cfg.Server.MetricsAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", addr)
			if err := s.metrics.StartServer(addr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if s.mqtt != nil {
		cctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.mqtt.Connect(cctx)
		cancel()
		if err != nil {
			// paho keeps retrying in the background.
			logger.Warn("Main", "MQTT broker not reachable yet: %v", err)
		}
	}
	s.dispatcher.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if s.cfg.Server.AutoStart {
		if err := s.runner.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start detection: %w", err)
		}
		logger.Info("Main", "Detection started")
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	logger.Info("Main", "Shutting down server...")

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.runner.Stop()
	s.api.Close()
	s.dispatcher.Stop()

	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recorder: %w", err))
	}

	if s.webrtc != nil {
		if err := s.webrtc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close webrtc: %w", err))
		}
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}

	s.cancel()
	s.wg.Wait()

	final := s.engine.Status()
	logger.Info("Main", "Processed %d frames (%d blinks)", final.FrameCount, final.BlinkCount)

	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
	return errors.Join(errs...)
}
