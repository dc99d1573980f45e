package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/httpapi"
	"github.com/agentworkforce/relaystate/internal/statesync"
)

const usage = `usage: relaystate-replica [flags] <command> [args]

commands:
  get <namespace>                  print one namespace record
  snapshot                         print every namespace
  update <namespace> key=value...  merge a patch; values are parsed as JSON when possible
  watch <namespace>                print the record on every change until interrupted
  reset [namespace...]             restore defaults (all namespaces when none given)
  token                            print a context token, e.g. for /dashboard?token=
`

const tokenTTL = time.Hour

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "relaystate-replica: %v\n", err)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	masterURL  string
	storageDSN string
	kind       string
	contextID  string
	verbose    bool
	set        map[string]bool
	args       []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("relaystate-replica", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage, "\nflags:\n")
		fs.PrintDefaults()
	}
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to the TOML config file")
	fs.StringVar(&opts.masterURL, "master", "", "base URL of the relaystate master")
	fs.StringVar(&opts.storageDSN, "storage", "", "storage DSN used when the master is unreachable")
	fs.StringVar(&opts.kind, "kind", "", "context kind: popup or content")
	fs.StringVar(&opts.contextID, "context", "", "context id reported to the master")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return options{}, errUsage
	}
	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	opts.args = fs.Args()
	if len(opts.args) == 0 {
		fs.Usage()
		return options{}, errUsage
	}
	return opts, nil
}

func (o options) apply(cfg config.Config) (config.Config, error) {
	if o.set["master"] {
		cfg.MasterURL = o.masterURL
	}
	if o.set["storage"] {
		cfg.StorageDSN = o.storageDSN
	}
	if o.set["context"] {
		cfg.ContextID = o.contextID
	}
	if o.set["v"] {
		cfg.LogDev = o.verbose
	}
	if o.set["kind"] {
		kind, err := statesync.ParseContextKind(o.kind)
		if err != nil {
			return cfg, err
		}
		cfg.ContextKind = kind
	}
	// A replica never takes the master role.
	if cfg.ContextKind == statesync.KindBackground {
		cfg.ContextKind = statesync.KindPopup
	}
	if strings.TrimSpace(cfg.ContextID) == "" || cfg.ContextID == string(statesync.KindBackground) {
		cfg.ContextID = fmt.Sprintf("%s-%d", cfg.ContextKind, os.Getpid())
	}
	return cfg, nil
}

// newLogger writes console logs to w; warnings only unless verbose.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath, newLogger(stderr, false))
	if err != nil {
		return err
	}
	if cfg, err = opts.apply(cfg); err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogDev)
	defer func() { _ = logger.Sync() }()

	cmd, cmdArgs := opts.args[0], opts.args[1:]
	if err := validateCommand(cmd, cmdArgs); err != nil {
		fmt.Fprint(stderr, usage)
		return err
	}

	if cmd == "token" {
		return printToken(stdout, cfg)
	}

	storage, err := statesync.BuildStorageFromDSN(cfg.StorageDSN, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storage.Close()

	var token string
	if cfg.AuthSecret != "" {
		if token, err = httpapi.MintToken(cfg.AuthSecret, cfg.ContextID, cfg.ContextKind, tokenTTL, time.Now()); err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}
	client := httpapi.NewClient(httpapi.ClientConfig{
		BaseURL:     cfg.MasterURL,
		ContextID:   cfg.ContextID,
		Token:       token,
		Logger:      logger.Named("client"),
		PageBackoff: cfg.Reconnect,
	})
	defer client.Close()

	engineOpts := cfg.EngineOptions(logger.Named("replica"))
	engineOpts.Replica = client
	engineOpts.Storage = storage
	engine, err := statesync.New(engineOpts)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}
	if engine.Degraded() {
		logger.Warn("master unreachable, serving stored state", zap.String("master", cfg.MasterURL))
	}

	switch cmd {
	case "get":
		ns, _ := statesync.ParseNamespace(cmdArgs[0])
		record, err := engine.Get(ns)
		if err != nil {
			return err
		}
		return printJSON(stdout, record)
	case "snapshot":
		return printJSON(stdout, engine.GetAll())
	case "update":
		ns, _ := statesync.ParseNamespace(cmdArgs[0])
		patch, err := parsePatch(cmdArgs[1:])
		if err != nil {
			return err
		}
		if err := engine.Update(ctx, ns, patch); err != nil {
			return err
		}
		record, err := engine.Get(ns)
		if err != nil {
			return err
		}
		return printJSON(stdout, record)
	case "watch":
		ns, _ := statesync.ParseNamespace(cmdArgs[0])
		return watch(ctx, engine, ns, stdout)
	case "reset":
		namespaces := make([]statesync.Namespace, 0, len(cmdArgs))
		for _, raw := range cmdArgs {
			ns, _ := statesync.ParseNamespace(raw)
			namespaces = append(namespaces, ns)
		}
		if err := engine.Reset(ctx, namespaces...); err != nil {
			return err
		}
		return printJSON(stdout, engine.GetAll())
	}
	return errUsage
}

// validateCommand checks arity and namespaces before any host is built.
func validateCommand(cmd string, args []string) error {
	var namespaces []string
	switch cmd {
	case "get", "watch":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s takes one namespace", errUsage, cmd)
		}
		namespaces = args
	case "snapshot":
		if len(args) != 0 {
			return fmt.Errorf("%w: snapshot takes no arguments", errUsage)
		}
	case "update":
		if len(args) < 2 {
			return fmt.Errorf("%w: update takes a namespace and at least one key=value", errUsage)
		}
		namespaces = args[:1]
	case "reset":
		namespaces = args
	case "token":
		if len(args) != 0 {
			return fmt.Errorf("%w: token takes no arguments", errUsage)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	for _, raw := range namespaces {
		if _, err := statesync.ParseNamespace(raw); err != nil {
			return err
		}
	}
	return nil
}

func printToken(w io.Writer, cfg config.Config) error {
	if cfg.AuthSecret == "" {
		return errors.New("token: auth_secret is not configured")
	}
	token, err := httpapi.MintToken(cfg.AuthSecret, cfg.ContextID, cfg.ContextKind, tokenTTL, time.Now())
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// parsePatch turns key=value pairs into a patch. Values that are not valid
// JSON are kept as strings.
func parsePatch(pairs []string) (statesync.Patch, error) {
	patch := statesync.Patch{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", errUsage, pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		patch[key] = value
	}
	return patch, nil
}

func watch(ctx context.Context, engine *statesync.Engine, ns statesync.Namespace, stdout io.Writer) error {
	var mu sync.Mutex
	write := func(record statesync.Record) {
		mu.Lock()
		defer mu.Unlock()
		_ = printJSONLine(stdout, record)
	}
	current, err := engine.Get(ns)
	if err != nil {
		return err
	}
	write(current)
	unsubscribe, err := engine.Subscribe(ns, func(next, _ statesync.Record, _ statesync.Patch) {
		write(next)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
