package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/route-beacon/nlrt/internal/config"
	"github.com/route-beacon/nlrt/internal/seq"
	"github.com/route-beacon/nlrt/internal/session"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func printUsage() {
	fmt.Println("Usage: nlrtctl [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration file (.yaml or .toml)")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --id <n>          Local identity (default: process id)")
}

type flags struct {
	configPath string
	logLevel   string
	id         uint32
	help       bool
}

func parseFlags(args []string) (flags, error) {
	f := flags{id: uint32(os.Getpid())}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--id":
			if i+1 < len(args) {
				v, err := strconv.ParseUint(args[i+1], 10, 32)
				if err != nil {
					return f, fmt.Errorf("--id: %w", err)
				}
				f.id = uint32(v)
				i++
			}
		case "--help", "-h":
			f.help = true
		}
	}
	return f, nil
}

func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zap.WarnLevel
	}
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.OutputPaths = []string{"stderr"}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func ifIndexByName(name string) (uint32, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(ifi.Index), nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}
	if f.help {
		printUsage()
		return
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	level := "warn"
	if f.logLevel != "" {
		level = f.logLevel
	}
	logger := initLogger(level)
	defer logger.Sync()

	ep, err := transport.New(transport.Options{
		Kind:      transport.Kind(cfg.Transport.Kind),
		SocketDir: cfg.Transport.SocketDir,
		Family:    cfg.Transport.Family,
	})
	if err != nil {
		logger.Fatal("creating transport", zap.Error(err))
	}
	sess := session.New(ep, logger.Named("session"))
	if err := sess.Bind(transport.Identity(f.id)); err != nil {
		logger.Fatal("binding endpoint", zap.Uint32("identity", f.id), zap.Error(err))
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &console{
		in:      bufio.NewScanner(os.Stdin),
		out:     os.Stdout,
		sess:    sess,
		peer:    transport.Identity(cfg.Transport.PeerIdentity),
		pid:     f.id,
		tracker: seq.NewTracker(cfg.AckTimeout()),
		ifIndex: ifIndexByName,
		logger:  logger,
	}

	listener, err := sess.Listen(ctx, c.onReply)
	if err != nil {
		logger.Fatal("starting receive loop", zap.Error(err))
	}
	go c.expireLoop(ctx, cfg.AckTimeout()/2)
	go func() {
		// The menu blocks on stdin, so interrupts and a dead channel end
		// the process from here.
		select {
		case <-ctx.Done():
			listener.Stop()
			sess.Close()
			os.Exit(130)
		case <-listener.Done():
			if err := listener.Err(); err != nil {
				logger.Error("receive loop terminated", zap.Error(err))
				sess.Close()
				os.Exit(1)
			}
		}
	}()

	if err := c.run(ctx); err != nil {
		logger.Error("reading input", zap.Error(err))
	}
	listener.Stop()
}
