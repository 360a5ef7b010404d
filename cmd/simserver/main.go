package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"townsim/internal/broadcast"
	"townsim/internal/config"
	"townsim/internal/observability"
	"townsim/internal/pathing"
	"townsim/internal/reasoning"
	"townsim/internal/simulation"
	"townsim/internal/worldfile"
)

func main() {
	// Load environment from .env (or fallback to example.env) so local
	// development can run without exporting variables manually. Do this
	// before initializing the logger so LOG_PATH/LOG_LEVEL are respected.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.Observability.LogPath, cfg.Observability.LogLevel)

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Observability)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	world, err := worldfile.Load(cfg.MapPath)
	if err != nil {
		log.Fatal().Err(err).Str("mapPath", cfg.MapPath).Msg("failed to load world file")
	}
	if len(world.Agents) == 0 {
		log.Fatal().Msg("world file defines no agents")
	}

	graph := pathing.BuildStaticGraph(world.Map, world.NavNodes)
	queue := reasoning.NewQueue(cfg.Reasoning, nil)
	defer queue.Close()

	sim := simulation.New(cfg, world.Map, graph, world.Agents, queue, 0)
	hub := broadcast.NewHub(cfg.TickHz, len(world.Agents))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc(cfg.Broadcast.Path, hub.ServeHTTP)

	addr := ":" + strconv.Itoa(cfg.Broadcast.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Str("path", cfg.Broadcast.Path).Msg("broadcast server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("broadcast server failed")
		}
	}()

	driverCtx, cancelDriver := context.WithCancel(context.Background())
	go runDriver(driverCtx, sim, hub, cfg.TickHz)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancelDriver()
	queue.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("broadcast server shutdown error")
	} else {
		log.Info().Msg("broadcast server stopped")
	}
}

// runDriver advances the simulation at a fixed tickHz, broadcasting the
// resulting snapshot after every step, until ctx is cancelled.
func runDriver(ctx context.Context, sim *simulation.Simulation, hub *broadcast.Hub, tickHz int) {
	if tickHz <= 0 {
		tickHz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := sim.Step(now)
			hub.Broadcast(snap)
		}
	}
}
