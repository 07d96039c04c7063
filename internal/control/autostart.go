package control

import (
	"context"
	"log/slog"
	"sync"

	"rtsp2hls/internal/platform/logger"
	"rtsp2hls/internal/settings"
	"rtsp2hls/internal/supervisor"
)

// AutoStart starts every stored configuration in the background when the
// autoStart setting is on, up to maxConcurrentStreams. Each start is
// independent; failures are logged. The returned WaitGroup completes when
// every launched start has resolved.
func AutoStart(ctx context.Context, sup *supervisor.Supervisor, repo *settings.Repository, log *slog.Logger) *sync.WaitGroup {
	var wg sync.WaitGroup

	app := repo.Settings()
	if !app.AutoStart {
		return &wg
	}

	configs := repo.ListConfigs()
	for i, cfg := range configs {
		if i >= app.MaxConcurrentStreams {
			log.Warn("auto start limit reached, remaining streams not started",
				slog.Int("limit", app.MaxConcurrentStreams),
				slog.Int("skipped", len(configs)-i))
			break
		}
		req, err := cfg.Request(app)
		if err != nil {
			log.Warn("auto start skipped invalid configuration", slog.String("config_id", cfg.ID), slog.String("error", err.Error()))
			continue
		}

		wg.Add(1)
		go func(cfg settings.StreamConfig, req supervisor.StreamRequest) {
			defer wg.Done()
			info, err := sup.Start(ctx, req)
			if err != nil {
				log.Warn("auto start failed",
					slog.String("stream_id", cfg.ID),
					slog.String("source", logger.RedactURL(req.SourceURL)),
					slog.String("error", err.Error()))
				return
			}
			log.Info("auto started stream", slog.String("stream_id", cfg.ID), slog.String("playback_url", info.PlaybackURL))
		}(cfg, req)
	}
	return &wg
}
