// Package main is the entry point for the vtrender preview server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/vtrender/internal/api"
	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/config"
	"github.com/atlasmap-sc/vtrender/internal/host"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/service"
	"github.com/atlasmap-sc/vtrender/internal/source"
)

func main() {
	app := &cli.App{
		Name:        "vtrender",
		Description: "off-thread vector tile renderer with an HTTP preview",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: commandServe,
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:  "config",
						Usage: "path to the configuration file",
						Value: "config/server.yaml",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "override the configured port",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "validate the configuration and build every layer source",
				Action: commandCheck,
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:  "config",
						Usage: "path to the configuration file",
						Value: "config/server.yaml",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.Path("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func commandCheck(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	for _, l := range cfg.Layers {
		src, err := source.Open(c.Context, l.Source, source.Deps{Log: logger})
		if err != nil {
			return fmt.Errorf("layer %q: %w", l.ID, err)
		}
		logger.Infof("layer %s: %s source, max zoom %d", l.ID, l.Source.Type, src.MaxZoom())
		src.Close()
	}
	return nil
}

func commandServe(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}
	log := logging.Component(logger, "server")
	log.Infof("starting vtrender on port %d with %d layer(s)", cfg.Server.Port, len(cfg.Layers))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheManager, err := cache.NewManager(cfg.Cache.ManagerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	client := &http.Client{Timeout: time.Duration(cfg.Scheduler.LoadTimeoutSeconds) * time.Second}
	images := host.FileLoader{Dir: cfg.Server.ImageDir, Client: client}

	// Build layers concurrently; index builds for large GeoJSON inputs dominate startup.
	layers := make([]*api.Layer, len(cfg.Layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, lc := range cfg.Layers {
		i, lc := i, lc
		g.Go(func() error {
			llog := logger.WithField("layer", lc.ID)
			h, err := host.Start(ctx, host.Config{
				ID:          lc.ID,
				Source:      lc.Source,
				Style:       *lc.Style,
				View:        lc.View(cfg.Render),
				MinInterval: cfg.Render.MinInterval(),
				MaxTotal:    cfg.Scheduler.MaxTotal,
				MaxNew:      cfg.Scheduler.MaxNew,
				LoadTimeout: time.Duration(cfg.Scheduler.LoadTimeoutSeconds) * time.Second,
				Cache:       cacheManager,
				Client:      client,
				Images:      images,
				Log:         llog,
			})
			if err != nil {
				return fmt.Errorf("layer %q: %w", lc.ID, err)
			}
			src, err := source.Open(gctx, lc.Source, source.Deps{Cache: cacheManager, Client: client, Log: llog})
			if err != nil {
				h.Close()
				return fmt.Errorf("layer %q: %w", lc.ID, err)
			}
			tiles, err := service.NewTileService(service.TileServiceConfig{
				LayerID: lc.ID,
				Source:  src,
				Style:   *lc.Style,
				Cache:   cacheManager,
				Log:     llog,
			})
			if err != nil {
				h.Close()
				src.Close()
				return fmt.Errorf("layer %q: %w", lc.ID, err)
			}
			layers[i] = &api.Layer{ID: lc.ID, Host: h, Source: src, Tiles: tiles}
			return nil
		})
	}
	registry := api.NewLayerRegistry()
	err = g.Wait()
	for _, l := range layers {
		if l != nil {
			registry.Register(l)
		}
	}
	defer registry.Close()
	if err != nil {
		return err
	}

	tick := time.Duration(cfg.Server.TickMS) * time.Millisecond
	for _, l := range layers {
		go l.Host.Animate(ctx, tick)
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server forced to shutdown: %v", err)
	}
	log.Info("server stopped")
	return nil
}
