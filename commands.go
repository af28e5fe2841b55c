package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacokyle01/xiangqi-analyzer/analyzer"
	"github.com/jacokyle01/xiangqi-analyzer/config"
	"github.com/jacokyle01/xiangqi-analyzer/engine"
	"github.com/jacokyle01/xiangqi-analyzer/models"
	"github.com/jacokyle01/xiangqi-analyzer/perception"
	"github.com/jacokyle01/xiangqi-analyzer/position"
	"github.com/jacokyle01/xiangqi-analyzer/primaryserver"
	"github.com/jacokyle01/xiangqi-analyzer/report"
	"github.com/jacokyle01/xiangqi-analyzer/source"
	"github.com/jacokyle01/xiangqi-analyzer/validator"
	"github.com/jacokyle01/xiangqi-analyzer/worker"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(cf *commonFlags) (config.Config, error) {
	if err := config.LoadDotEnv(cf.env); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if cf.config != "" {
		var err error
		if cfg, err = config.Load(cf.config); err != nil {
			return config.Config{}, err
		}
	}
	if path := os.Getenv("XIANGQI_ENGINE_PATH"); path != "" {
		cfg.Engine.Path = path
	}
	return cfg, cfg.Validate()
}

func newSession(cfg config.Config, log *slog.Logger) (*engine.Session, error) {
	launch, err := engine.ProcessLauncher(cfg.Engine.Path, cfg.Engine.Args, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewSession(launch, cfg.EngineOptions(), log), nil
}

func newAnalyzer(cfg config.Config, sess *engine.Session, log *slog.Logger) *analyzer.Analyzer {
	opts := cfg.AnalyzerOptions()
	opts.Validator = validator.New(validator.DefaultThresholds(), log.With("component", "validator"))
	return analyzer.New(sess, opts, log)
}

func newDetector(cfg config.Config, log *slog.Logger) perception.Detector {
	size := image.Pt(cfg.Perception.BoardWidth, cfg.Perception.BoardHeight)
	if cfg.Perception.URL == "" {
		log.Warn("no detector configured, every frame is read as the opening position")
		d := perception.NewStaticDetector()
		d.BoardSize = size
		return d
	}
	d := perception.NewHTTPDetector(cfg.Perception.URL, cfg.Perception.Timeout)
	d.BoardSize = size
	return d
}

// newSource returns nil when no source is configured; frames then only
// arrive through the HTTP API.
func newSource(cfg config.Config) source.Source {
	if cfg.Source.Value == "" {
		return nil
	}
	if cfg.Source.Type == config.SourceHTTP {
		return source.NewHTTPSource(cfg.Source.Value, cfg.Source.Timeout)
	}
	return source.NewFileSource(cfg.Source.Value)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cf *commonFlags, addr string) error {
	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	log := newLogger(cf.debug)

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	an := newAnalyzer(cfg, sess, log)
	defer func() {
		if err := an.Close(); err != nil {
			log.Warn("closing engine", "error", err)
		}
	}()

	var srv *primaryserver.Server
	client := worker.NewClient(newSource(cfg), newDetector(cfg, log), an,
		func(a models.Analysis) { srv.SubmitResult(a) },
		worker.Config{
			ThinkTime:        cfg.Analysis.ThinkTime,
			CaptureInterval:  cfg.Analysis.CaptureInterval,
			AnalysisInterval: cfg.Analysis.AnalysisInterval,
			BufferSize:       cfg.Analysis.BufferSize,
		}, log)
	srv = primaryserver.NewServer(client, an.Status, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error { return srv.StartServer(ctx, cfg.Server.Addr) })
	return g.Wait()
}

func runAnalyze(cf *commonFlags, path string, think time.Duration) error {
	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}
	if think > 0 {
		cfg.Analysis.ThinkTime = think
	}
	log := newLogger(cf.debug)

	ctx, cancel := signalContext()
	defer cancel()

	img, err := source.NewFileSource(path).Next(ctx)
	if err != nil {
		return err
	}

	sess, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	an := newAnalyzer(cfg, sess, log)
	defer func() { _ = an.Close() }()

	det, err := newDetector(cfg, log).Detect(ctx, img)
	if err != nil {
		return err
	}
	a, err := an.Analyze(ctx, det, cfg.Analysis.ThinkTime)
	if err != nil {
		return err
	}
	fmt.Print(report.Text(a, cfg.Analysis.DetectorInverted))
	return nil
}

func runEngineCheck(cf *commonFlags, placement string) error {
	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}
	log := newLogger(cf.debug)

	ctx, cancel := signalContext()
	defer cancel()

	if placement == "" {
		placement, _, _ = strings.Cut(position.StartFEN, " ")
	}
	if _, err := position.Decode(placement, false); err != nil {
		return err
	}

	sess, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	start := time.Now()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("engine ready in %s\n", time.Since(start).Round(time.Millisecond))

	res, err := sess.BestMove(ctx, engine.SearchRequest{
		Placement: placement,
		ThinkTime: cfg.Analysis.ThinkTime,
		Depth:     cfg.Analysis.Depth,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("engine check: search failed: %s", res.Error)
	}

	fmt.Printf("position:   %s\n", res.Position)
	if res.BestMove == "" {
		fmt.Println("best move:  none")
	} else {
		fmt.Printf("best move:  %s\n", report.Move(res.BestMove))
	}
	fmt.Printf("evaluation: %s\n", report.Score(res.Score))
	return nil
}
