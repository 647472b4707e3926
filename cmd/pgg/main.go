package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pgglab.ai/internal/experiment"
	"pgglab.ai/internal/persistence/r2s3"
	"pgglab.ai/internal/persistence/snapshot"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
	"pgglab.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address for seats/observer/metrics (empty to disable)")
		configDir  = flag.String("configs", "./configs", "config directory (personalities.json)")
		configPath = flag.String("config", "", "session yaml (default: <configs>/session.yaml, defaults when missing)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		decider    = flag.String("decider", experiment.DeciderScripted, "decision port: scripted|openai|remote")
		strategy   = flag.String("strategy", "", "scripted strategy (full|free-rider|conditional|random|fixed:<r>); empty maps personalities")
		model      = flag.String("model", "", "openai model (overrides PGG_OPENAI_MODEL)")
		fallback   = flag.Bool("fallback", false, "remote decider: play unclaimed seats with the scripted port")
		token      = flag.String("token", "", "remote decider: required HELLO token (or PGG_AGENT_TOKEN)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		keepCkpt   = flag.Int("keep_checkpoints", 3, "checkpoints kept per session")
		resume     = flag.String("resume", "", "checkpoint file to resume, or a session id to resume from its latest checkpoint")
		waitSeats  = flag.Duration("wait_seats", 0, "remote decider: wait this long for agents before the first round")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[pgg] ", log.LstdFlags|log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("load .env: %v", err)
	}
	if *token == "" {
		*token = strings.TrimSpace(os.Getenv("PGG_AGENT_TOKEN"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner, err := experiment.Open(experiment.Config{
		DataDir:         *dataDir,
		ConfigDir:       *configDir,
		Decider:         *decider,
		Strategy:        *strategy,
		Model:           *model,
		Fallback:        *fallback,
		Token:           *token,
		KeepCheckpoints: *keepCkpt,
		DisableIndex:    *disableDB,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("open runner: %v", err)
	}
	if err := enableMirror(runner, logger); err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	obs := observer.NewServer(logger)
	runner.Observer = obs

	run, err := prepare(ctx, runner, *configDir, *configPath, *resume)
	if err != nil {
		closeRunner(runner, logger)
		logger.Fatalf("prepare session: %v", err)
	}
	logger.Printf("session %s condition=%s decider=%s", run.Session.ID(), run.Session.Config().ConditionKey(), *decider)

	var srv *http.Server
	if strings.TrimSpace(*addr) != "" {
		srv = serve(*addr, run, obs, runner, logger)
	}
	if run.Seats != nil && *waitSeats > 0 {
		waitForSeats(ctx, run, *waitSeats, logger)
	}

	rec, runErr := run.Execute(ctx)
	switch {
	case runErr == nil:
		logger.Printf("session %s completed rounds=%d", rec.SessionID, rec.CompletedRounds)
	case errors.Is(runErr, game.ErrInterrupted):
		logger.Printf("session %s interrupted after round %d: %v", rec.SessionID, rec.CompletedRounds, runErr)
	default:
		logger.Printf("session %s failed: %v", rec.SessionID, runErr)
	}

	if srv != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx2)
		cancel2()
	}
	closeRunner(runner, logger)
	if runErr != nil {
		os.Exit(1)
	}
}

func prepare(ctx context.Context, runner *experiment.Runner, configDir, configPath, resume string) (*experiment.Run, error) {
	resume = strings.TrimSpace(resume)
	if resume != "" {
		path := resume
		if !strings.HasSuffix(resume, ".ckpt.zst") {
			latest, err := snapshot.Latest(runner.CheckpointDir(resume))
			if err != nil {
				return nil, err
			}
			if latest == "" {
				return nil, fmt.Errorf("no checkpoint for session %s", resume)
			}
			path = latest
		}
		return runner.Resume(ctx, path)
	}

	p := strings.TrimSpace(configPath)
	explicit := p != ""
	if !explicit {
		p = filepath.Join(configDir, "session.yaml")
	}
	cfg, err := tuning.Load(p)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = tuning.Defaults()
	}
	return runner.Prepare(ctx, cfg)
}

func serve(addr string, run *experiment.Run, obs *observer.Server, runner *experiment.Runner, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	if h := run.SeatHandler(); h != nil {
		mux.Handle("/v1/agents", h)
	}
	mux.HandleFunc("/v1/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obs.WSHandler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, run.Session, obs, runner)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ListenAndServe: %v", err)
		}
	}()
	return srv
}

func waitForSeats(ctx context.Context, run *experiment.Run, d time.Duration, logger *log.Logger) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		missing := 0
		for _, a := range run.Session.View().Agents {
			if !a.Anchor && !run.Seats.Connected(a.ID) {
				missing++
			}
		}
		if missing == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Printf("starting with %d seats unclaimed", missing)
			return
		case <-tick.C:
		}
	}
}

func enableMirror(runner *experiment.Runner, logger *log.Logger) error {
	if !envBool("PGG_R2_MIRROR", false) {
		return nil
	}
	cfg, ok := r2s3.ConfigFromEnv()
	if !ok {
		return fmt.Errorf("PGG_R2_MIRROR=true but PGG_R2_ENDPOINT/PGG_R2_BUCKET are not set")
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return err
	}
	runner.EnableMirror(client, cfg.Prefix)
	logger.Printf("r2 mirror enabled bucket=%s prefix=%s", cfg.Bucket, cfg.Prefix)
	return nil
}

func closeRunner(runner *experiment.Runner, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Close(ctx); err != nil {
		logger.Printf("close: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
