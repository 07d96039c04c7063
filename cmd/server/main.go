package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"rtsp2hls/internal/control"
	"rtsp2hls/internal/hls"
	"rtsp2hls/internal/lifecycle"
	"rtsp2hls/internal/platform/config"
	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/platform/metrics"
	"rtsp2hls/internal/settings"
	"rtsp2hls/internal/supervisor"

	"github.com/go-chi/chi/v5"
)

const appName = "rtsp2hls"

func main() {
	_ = config.Load()

	host := config.GetEnv("HOST", "127.0.0.1")
	port := config.GetEnvInt("PORT", 8080)
	baseURL := config.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+strconv.Itoa(port))
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	envLogLevel := config.GetEnv("LOG_LEVEL", "")
	dataDir := config.GetEnv("DATA_DIR", defaultDir(os.UserConfigDir))
	shutdownTimeout := config.GetEnvDuration("SHUTDOWN_TIMEOUT", lifecycle.DefaultTimeout)

	level := new(slog.LevelVar)
	level.Set(logger.ParseLevel(envLogLevel))
	log := logger.NewLeveled(level, logFormat, os.Stdout)

	repo, err := settings.NewRepository(settings.NewFileStore(filepath.Join(dataDir, "settings.toml")))
	if err != nil {
		log.Error("load settings", "error", err, "data_dir", dataDir)
		os.Exit(1)
	}
	app := repo.Settings()
	if envLogLevel == "" {
		level.Set(logger.ParseLevel(app.LogLevel))
	}

	outputDir := config.GetEnv("OUTPUT_DIR", app.OutputDirectory)
	if outputDir == "" {
		outputDir = filepath.Join(defaultDir(os.UserCacheDir), "m3u8")
	}

	// Bind before touching the output directory: a second instance must not
	// delete the files the first one is serving.
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			log.Error("another instance is already running", "port", port)
		} else {
			log.Error("listen", "error", err, "port", port)
		}
		os.Exit(1)
	}

	met := metrics.New()
	sup := supervisor.New(supervisor.Config{
		OutputDir:        outputDir,
		PlaybackBaseURL:  baseURL + "/hls",
		PollInterval:     config.GetEnvDuration("POLL_INTERVAL", supervisor.DefaultPollInterval),
		ReadinessTimeout: config.GetEnvDuration("READINESS_TIMEOUT", supervisor.DefaultReadinessTimeout),
		KillTimeout:      config.GetEnvDuration("KILL_TIMEOUT", supervisor.DefaultKillTimeout),
		StopGrace:        config.GetEnvDuration("STOP_GRACE", supervisor.DefaultStopGrace),
		Tool:             supervisor.NewToolLocator(config.GetEnv("FFMPEG_BINARY", "")),
		Log:              log,
		Metrics:          met,
		MaxStreams:       func() int { return repo.Settings().MaxConcurrentStreams },
	})

	files := hls.NewServer(outputDir, port, baseURL, log)
	cleanOutput := func() error {
		_, err := hls.CleanOutput(log, files.Root())
		return err
	}
	if config.GetEnvBool("CLEAN_ON_START", true) {
		if err := cleanOutput(); err != nil {
			log.Warn("startup cleanup incomplete", "error", err)
		}
	}

	srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	coord := lifecycle.New(lifecycle.Config{
		Supervisor:  sup,
		CleanOutput: cleanOutput,
		Server:      srv,
		Timeout:     shutdownTimeout,
		Log:         log,
	})

	ctrl := control.NewHandler(sup, repo, log, control.Options{
		Port:     port,
		BaseURL:  baseURL,
		Shutdown: coord.Shutdown,
		CleanOutput: func() {
			if err := cleanOutput(); err != nil {
				log.Warn("output cleanup incomplete", "error", err)
			}
		},
		OnSettingsChanged: func(s settings.AppSettings) {
			if envLogLevel == "" {
				level.Set(logger.ParseLevel(s.LogLevel))
			}
		},
	})
	srv.RegisterOnShutdown(ctrl.CloseEvents)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(hls.CORS())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(sup.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Mount("/api/control", ctrl.Routes())
	files.Mount(r)
	srv.Handler = r

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.HandleSignals(ctx)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			go coord.Shutdown("server-error")
		}
	}()

	log.Info("server starting",
		"addr", ln.Addr().String(),
		"base_url", baseURL,
		"output_dir", files.Root(),
		"data_dir", dataDir,
		"log_level", level.Level().String(),
	)

	if tool := sup.CheckTool(ctx); tool.Available {
		log.Info("transcoder found", "path", tool.Path, "version", tool.Version, "local", tool.UsingLocal)
	} else {
		log.Warn("transcoder not found, streams cannot start", "error", tool.Error)
	}

	control.AutoStart(ctx, sup, repo, log)

	<-coord.Done()
	log.Info("server stopped", "reason", coord.Reason())
}

// defaultDir returns <dir>/rtsp2hls for a user directory lookup, or a
// relative fallback when the platform has none.
func defaultDir(lookup func() (string, error)) string {
	dir, err := lookup()
	if err != nil {
		return fmt.Sprintf("./%s-data", appName)
	}
	return filepath.Join(dir, appName)
}
