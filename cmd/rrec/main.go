package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OkayMusic/RRec/internal/config"
	"github.com/OkayMusic/RRec/internal/emulator"
	"github.com/OkayMusic/RRec/internal/logger"
	"github.com/OkayMusic/RRec/internal/pipeline"
	"github.com/OkayMusic/RRec/internal/session"
	"github.com/OkayMusic/RRec/pkg/rrec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.New()

var (
	flagConfig   = flag.String("config", "", "env file to read settings from (default .env if present)")
	flagPipeline = flag.String("pipeline", "", "YAML pipeline to run on every input")
	flagDetector = flag.String("detector", "", "detector executable; the built-in emulator if unset")
	flagDir      = flag.String("dir", "", "working directory for the detector")
	flagGrace    = flag.Duration("grace", 0, "shutdown grace per step")
	flagVerbose  = flag.Bool("v", false, "debug logging")
	flagDumpFSM  = flag.Bool("dump-fsm", false, "write graphviz src and exit")
	flagListOps  = flag.Bool("list-ops", false, "print the operations a pipeline may use and exit")
	flagEmulate  = flag.Bool("emulate", false, "serve the detector protocol on stdin/stdout, not for end user use")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] input...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	switch {
	case *flagDumpFSM:
		fmt.Println(session.Visualize())
		return
	case *flagListOps:
		for _, op := range rrec.Opcodes() {
			fmt.Printf("%d\t%s\n", int32(op), op)
		}
		return
	}

	if *flagEmulate {
		// stdout carries frames, so the child only logs warnings to stderr.
		// Signals keep their default action so the parent can stop us.
		log.SetLevel(logrus.WarnLevel)
		ctx := logger.WithLogEntry(context.Background(), logrus.NewEntry(log))
		if err := emulator.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			log.WithError(err).Fatal("emulator")
		}
		return
	}

	ctx, ctxCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer ctxCancel()
	ctx = logger.WithLogEntry(ctx, logrus.NewEntry(log))

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	log.SetLevel(cfg.LogLevel)
	if *flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(ctx, cfg, flag.Args()); err != nil {
		log.WithError(err).Error("run")
		os.Exit(1)
	}
	log.Info("main exiting")
}

func run(ctx context.Context, cfg config.Config, inputs []string) error {
	if len(inputs) == 0 {
		flag.Usage()
		return errors.New("no inputs")
	}
	path := cfg.Pipeline
	if *flagPipeline != "" {
		path = *flagPipeline
	}
	if path == "" {
		return errors.Errorf("no pipeline: pass -pipeline or set %s", config.EnvPipeline)
	}
	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}

	detector, opts, err := detectorCommand(cfg, p)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, input := range inputs {
		input := input
		g.Go(func() error {
			c, err := rrec.New(ctx, detector, opts...)
			if err != nil {
				return err
			}
			defer c.Close()
			return pipeline.Run(ctx, c, p, input)
		})
	}
	return g.Wait()
}

// detectorCommand picks the detector from flags, then the pipeline file,
// then config. With none set the binary re-executes itself with -emulate.
func detectorCommand(cfg config.Config, p *pipeline.Pipeline) (string, []rrec.Option, error) {
	var opts []rrec.Option
	grace := cfg.Grace
	if *flagGrace > 0 {
		grace = *flagGrace
	}
	opts = append(opts, rrec.WithGrace(grace))
	dir := cfg.Dir
	if *flagDir != "" {
		dir = *flagDir
	}
	if dir != "" {
		opts = append(opts, rrec.WithDir(dir))
	}

	for _, d := range []string{*flagDetector, p.Detector, cfg.Detector} {
		if d != "" {
			return d, opts, nil
		}
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, err
	}
	log.Warn("no detector configured, using the built-in emulator")
	return self, append(opts, rrec.WithArgs("-emulate")), nil
}
