package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pgglab.ai/internal/experiment"
	"pgglab.ai/internal/persistence/r2s3"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
)

func main() {
	var (
		gridPath  = flag.String("grid", "./configs/grid.yaml", "sweep grid yaml")
		configDir = flag.String("configs", "./configs", "config directory (personalities.json)")
		dataDir   = flag.String("data", "./data", "runtime data directory")
		decider   = flag.String("decider", experiment.DeciderScripted, "decision port: scripted|openai")
		strategy  = flag.String("strategy", "", "scripted strategy; empty maps personalities")
		model     = flag.String("model", "", "openai model (overrides PGG_OPENAI_MODEL)")
		repeat    = flag.Int("repeat", 0, "sessions per condition (overrides grid repeat)")
		disableDB = flag.Bool("disable_db", false, "count completed sessions from archive file names instead of the index")
		dryRun    = flag.Bool("dry_run", false, "print conditions and completed counts without running")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[sweep] ", log.LstdFlags|log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("load .env: %v", err)
	}
	if *decider == experiment.DeciderRemote {
		logger.Fatalf("sweeps do not support the remote decider")
	}

	grid, err := experiment.LoadGrid(*gridPath)
	if err != nil {
		logger.Fatalf("load grid: %v", err)
	}
	if *repeat > 0 {
		grid.Repeat = *repeat
	}
	base, err := grid.BaseConfig()
	if err != nil {
		logger.Fatalf("load base config: %v", err)
	}
	configs, err := grid.Expand(base)
	if err != nil {
		logger.Fatalf("expand grid: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner, err := experiment.Open(experiment.Config{
		DataDir:      *dataDir,
		ConfigDir:    *configDir,
		Decider:      *decider,
		Strategy:     *strategy,
		Model:        *model,
		DisableIndex: *disableDB,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("open runner: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		if err := runner.Close(ctx2); err != nil {
			logger.Printf("close: %v", err)
		}
	}()
	if err := enableMirror(runner, logger); err != nil {
		logger.Printf("r2 mirror disabled: %v", err)
	}

	if *dryRun {
		for _, c := range configs {
			n, err := runner.CountCompleted(ctx, c.ConditionKey())
			if err != nil {
				logger.Printf("count %s: %v", c.ConditionKey(), err)
				continue
			}
			fmt.Printf("%s\t%d/%d\n", c.ConditionKey(), n, grid.Repeat)
		}
		return
	}

	runOne := func(ctx context.Context, cfg tuning.Tuning) (game.SessionRecord, error) {
		run, err := runner.Prepare(ctx, cfg)
		if err != nil {
			return game.SessionRecord{}, err
		}
		return run.Execute(ctx)
	}
	rep, err := experiment.Sweep(ctx, configs, grid.Repeat, runner, runOne, logger.Printf)
	logger.Printf("conditions=%d ran=%d skipped=%d interrupted=%d", rep.Conditions, rep.Ran, rep.Skipped, rep.Interrupted)
	if err != nil {
		logger.Printf("sweep stopped: %v", err)
	}
}

func enableMirror(runner *experiment.Runner, logger *log.Logger) error {
	if v, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("PGG_R2_MIRROR"))); !v {
		return nil
	}
	cfg, ok := r2s3.ConfigFromEnv()
	if !ok {
		return fmt.Errorf("PGG_R2_ENDPOINT/PGG_R2_BUCKET are not set")
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return err
	}
	runner.EnableMirror(client, cfg.Prefix)
	logger.Printf("r2 mirror enabled bucket=%s", cfg.Bucket)
	return nil
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
