// cliprdr-fuse mounts the files offered by a remote clipboard as a
// read-only filesystem.
//
// Without a protocol channel attached, it can serve a local directory
// through an in-process loopback peer, which exercises the whole bridge:
//
//	cliprdr-fuse --serve-dir ~/Documents --pinning /tmp/clip
//
// SIGHUP re-announces the served directory as a new selection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cliprdr-fuse/clipfs"
	"cliprdr-fuse/clipfs/diag"
	"cliprdr-fuse/config"
	"cliprdr-fuse/localstream"
	"cliprdr-fuse/logging"
	"cliprdr-fuse/metrics"
)

var errUnmounted = errors.New("filesystem unmounted")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags loads the config file, if any, and applies the flags that
// were set on top of it.
func parseFlags(args []string) (*config.Config, error) {
	flagSet := pflag.NewFlagSet("cliprdr-fuse", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to YAML config file")
	debug := flagSet.Bool("debug", false, "enable FUSE debug output")
	allowOther := flagSet.Bool("allow-other", false, "allow other users to access the mount")
	maxRead := flagSet.Uint32("max-read-size", clipfs.DefaultMaxReadSize, "largest range requested from the remote in one request")
	timeout := flagSet.Duration("request-timeout", 0, "fail held calls the remote has not answered in time (0 waits)")
	retain := flagSet.Int("retain", 1, "number of pinned generations kept mounted")
	httpAddr := flagSet.String("http", "", "listen address for /metrics and /debug endpoints")
	serveDir := flagSet.String("serve-dir", "", "serve this directory through the loopback peer")
	pinning := flagSet.Bool("pinning", false, "let the loopback peer pin generations with clip data locks")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flagSet.String("log-format", "json", "log format: json, console")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cliprdr-fuse [options] [MOUNTPOINT]\n\nOptions:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := flagSet.Changed
	if changed("debug") {
		cfg.Debug = *debug
	}
	if changed("allow-other") {
		cfg.AllowOther = *allowOther
	}
	if changed("max-read-size") {
		cfg.MaxReadSize = *maxRead
	}
	if changed("request-timeout") {
		cfg.RequestTimeout = *timeout
	}
	if changed("retain") {
		cfg.RetainGenerations = *retain
	}
	if changed("http") {
		cfg.HTTP.Addr = *httpAddr
	}
	if changed("serve-dir") {
		cfg.Loopback.Dir = *serveDir
	}
	if changed("pinning") {
		cfg.Loopback.Pinning = *pinning
	}
	if changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = *logFormat
	}

	switch flagSet.NArg() {
	case 0:
	case 1:
		cfg.MountPoint = flagSet.Arg(0)
	default:
		flagSet.Usage()
		return nil, fmt.Errorf("expected at most one mount point, got %d arguments", flagSet.NArg())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := logging.Init(cfg.Logging()); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	session := uuid.NewString()
	log := logging.L().With(logging.Session(session))
	tracker := diag.NewTracker(session)

	if err := os.MkdirAll(cfg.MountPoint, 0700); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if err := clipfs.ForceUnmount(cfg.MountPoint); err != nil {
		log.Warn("clearing stale mount failed", zap.String("mount_point", cfg.MountPoint), zap.Error(err))
	}

	srv := localstream.NewServer(log, localstream.WithMaxRange(cfg.MaxReadSize))
	defer srv.Close()
	peer := localstream.NewLoopback(srv, cfg.Loopback.Pinning)

	opts := cfg.BridgeOptions(tracker)
	opts.Logger = log
	opts.Owner = fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
	bridge := clipfs.NewBridge(peer, opts)
	peer.Attach(bridge)

	fsrv, err := clipfs.Mount(cfg.MountPoint, bridge, cfg.MountOptions())
	if err != nil {
		return err
	}
	log.Info("filesystem mounted",
		zap.String("mount_point", cfg.MountPoint),
		zap.String("serve_dir", cfg.Loopback.Dir),
		zap.Bool("pinning", cfg.Loopback.Pinning))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fsrv.Wait()
		return errUnmounted
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		bridge.Teardown(context.Background())
		if err := fsrv.Unmount(); err != nil {
			log.Warn("unmount failed, detaching", zap.Error(err))
			return clipfs.ForceUnmount(cfg.MountPoint)
		}
		return nil
	})

	if cfg.HTTP.Addr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           logging.Middleware(log, newMux(log, bridge, tracker)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Loopback.Dir != "" {
		if err := announceDir(gctx, srv, bridge, cfg.Loopback.Dir); err != nil {
			log.Error("announcing served directory failed", zap.Error(err))
		}
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					if err := announceDir(gctx, srv, bridge, cfg.Loopback.Dir); err != nil {
						log.Error("re-announcing served directory failed", zap.Error(err))
					}
				}
			}
		})
	}

	err = g.Wait()
	peer.Wait()
	if errors.Is(err, errUnmounted) {
		err = nil
	}
	log.Info("done")
	return err
}

// announceDir offers the entries of dir as a new selection.
func announceDir(ctx context.Context, srv *localstream.Server, b *clipfs.Bridge, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	id, err := srv.Announce(paths)
	if err != nil {
		return err
	}
	list, err := srv.Describe(id)
	if err != nil {
		return err
	}
	return b.OnRemoteFileList(ctx, list)
}

type statusResponse struct {
	Closed      bool                    `json:"closed"`
	Nodes       int                     `json:"nodes"`
	Pending     int                     `json:"pending"`
	Generations []clipfs.GenerationInfo `json:"generations"`
}

func newMux(log *zap.Logger, b *clipfs.Bridge, tracker *diag.Tracker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/clipfs", tracker.Handler())
	mux.HandleFunc("/debug/generations", func(w http.ResponseWriter, r *http.Request) {
		nodes, pending := b.Stats()
		resp := statusResponse{
			Closed:      b.Closed(),
			Nodes:       nodes,
			Pending:     pending,
			Generations: b.Generations(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("encoding status response failed", zap.Error(err))
		}
	})
	return mux
}
