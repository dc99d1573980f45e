package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/httpapi"
	"github.com/agentworkforce/relaystate/internal/statesync"
	"github.com/agentworkforce/relaystate/internal/telemetry"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "relaystate: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	listenAddr string
	storageDSN string
	instanceID string
	origins    string
	logDev     bool
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("relaystate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to the TOML config file")
	fs.StringVar(&opts.listenAddr, "listen", "", "address to serve the master host on")
	fs.StringVar(&opts.storageDSN, "storage", "", "storage DSN (memory://, file path, postgres://, etcd://)")
	fs.StringVar(&opts.instanceID, "instance", "", "master instance id (generated when empty)")
	fs.StringVar(&opts.origins, "allowed-origins", "", "comma separated websocket origin patterns")
	fs.BoolVar(&opts.logDev, "log-dev", false, "use development logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply layers explicitly set flags over the loaded config.
func (o options) apply(cfg config.Config) config.Config {
	if o.set["listen"] {
		cfg.ListenAddr = o.listenAddr
	}
	if o.set["storage"] {
		cfg.StorageDSN = o.storageDSN
	}
	if o.set["instance"] {
		cfg.InstanceID = o.instanceID
	}
	if o.set["log-dev"] {
		cfg.LogDev = o.logDev
	}
	cfg.ContextKind = statesync.KindBackground
	if strings.TrimSpace(cfg.ContextID) == "" {
		cfg.ContextID = string(statesync.KindBackground)
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = newInstanceID()
	}
	return cfg
}

func (o options) allowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(o.origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// newInstanceID gives every daemon start a distinct id so replicas notice a
// restarted master.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relaystate"
	}
	return host + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	bootstrap, err := newLogger(false)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	cfg, err := config.Load(opts.configPath, bootstrap)
	if err != nil {
		return err
	}
	cfg = opts.apply(cfg)
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	d, err := newDaemon(ctx, cfg, opts.allowedOrigins(), logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

type daemon struct {
	cfg      config.Config
	logger   *zap.Logger
	storage  statesync.StorageHost
	engine   *statesync.Engine
	server   *httpapi.Server
	http     *http.Server
	listener net.Listener
}

func newDaemon(ctx context.Context, cfg config.Config, origins []string, logger *zap.Logger) (*daemon, error) {
	storage, err := statesync.BuildStorageFromDSN(cfg.StorageDSN, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	server := httpapi.NewServer(httpapi.ServerConfig{
		InstanceID:     cfg.InstanceID,
		AllowedOrigins: origins,
		AuthSecret:     cfg.AuthSecret,
		Logger:         logger.Named("http"),
	})
	engineOpts := cfg.EngineOptions(logger.Named("master"))
	engineOpts.Master = server
	engineOpts.Storage = storage
	engine, err := statesync.New(engineOpts)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Close()
		_ = storage.Close()
		return nil, fmt.Errorf("start master: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = engine.Close()
		_ = storage.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	telemetry.SetBuildInfo(version, cfg.InstanceID)
	return &daemon{
		cfg:      cfg,
		logger:   logger,
		storage:  storage,
		engine:   engine,
		server:   server,
		http:     &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second},
		listener: listener,
	}, nil
}

func (d *daemon) addr() string {
	return d.listener.Addr().String()
}

// run serves until ctx ends, then stops accepting requests, flushes pending
// writes and closes storage.
func (d *daemon) run(ctx context.Context) error {
	d.logger.Info("relaystate listening",
		zap.String("addr", d.addr()),
		zap.String("instance", d.cfg.InstanceID),
		zap.String("storage", redactDSN(d.cfg.StorageDSN)))

	errCh := make(chan error, 1)
	go func() { errCh <- d.http.Serve(d.listener) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Closing the engine first drops hijacked websockets that Shutdown does not track.
	_ = d.engine.Close()
	if err := d.http.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := d.storage.Close(); err != nil {
		d.logger.Warn("storage close failed", zap.Error(err))
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

// redactDSN hides credentials before logging.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return scheme + "://***@" + rest[at+1:]
}
