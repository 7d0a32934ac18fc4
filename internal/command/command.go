// Package command wires the CLI: flag parsing, configuration assembly, and
// dispatch into the client, tracker, and runner.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/lhoestq/hfjobs/internal/api"
	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/observability"
	"github.com/lhoestq/hfjobs/internal/redact"
)

// globalOptions are accepted by every subcommand.
type globalOptions struct {
	Token     string `long:"token" description:"User access token (overrides HF_TOKEN and the stored login)"`
	Namespace string `long:"namespace" description:"Owner namespace to operate in (defaults to the token's user)"`
}

// app carries the state shared between subcommands of one invocation.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer

	global globalOptions

	// set by a subcommand to override the error-derived exit code,
	// typically with the remote job's own code.
	exitCode int

	// openStore is swapped in tests to avoid touching the real home dir.
	openStore func() (*config.Store, error)

	// store is populated by setup; nil when the config file is unavailable.
	store *config.Store
}

// Run parses args, executes the selected subcommand, and returns the process
// exit code. Interrupts cancel the run context so an attached run can request
// remote cancellation on the way out.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{
		ctx:       ctx,
		stdout:    stdout,
		stderr:    stderr,
		openStore: defaultStore,
	}

	parser := flags.NewNamedParser("hfjobs", flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup("Global Options", "", &a.global)

	mustAdd(parser, "run", "Run a job",
		"Submit a command to run on remote hardware and stream its output.", &runCommand{app: a})
	mustAdd(parser, "ps", "List jobs",
		"List jobs in the namespace, most recent first.", &psCommand{app: a})
	mustAdd(parser, "logs", "Stream job logs",
		"Follow a job's log output until it reaches a terminal state.", &logsCommand{app: a})
	mustAdd(parser, "inspect", "Show raw job details",
		"Print the backend's full JSON record for a job.", &inspectCommand{app: a})
	mustAdd(parser, "cancel", "Cancel a job",
		"Request cancellation of a running job. Succeeds if the job is already finished.", &cancelCommand{app: a})
	mustAdd(parser, "uv", "Work with uv scripts",
		"Upload and run self-contained uv scripts.", &uvCommand{Run: uvRunCommand{app: a}})

	if _, err := parser.ParseArgs(args); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, fe.Message)
			return apperrors.ExitOK
		}
		if errors.As(err, &fe) {
			fmt.Fprintln(stderr, fe.Error())
			return apperrors.ExitUsage
		}
		fmt.Fprintf(stderr, "hfjobs: %s\n", a.redactor().RedactErr(err))
		if code := apperrors.ExitCode(err); code != apperrors.ExitOK {
			return code
		}
		return apperrors.ExitFailure
	}
	return a.exitCode
}

func mustAdd(parser *flags.Parser, name, short, long string, cmd any) {
	if _, err := parser.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

func defaultStore() (*config.Store, error) {
	path, err := config.DefaultStorePath()
	if err != nil {
		return nil, err
	}
	return config.OpenStore(path)
}

// setup assembles the pieces every backend-touching command needs. The store
// is best-effort; a missing or unreadable config file only forfeits the
// persisted token.
func (a *app) setup() (*config.ClientConfig, *api.Client, *observability.Metrics, func(), error) {
	store, err := a.openStore()
	if err != nil {
		slog.Debug("Config store unavailable", "error", err)
	}
	a.store = store

	cfg, err := config.Load(a.global.Token, store)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	metrics, shutdown := a.startMetrics(cfg.MetricsAddr)
	client := api.New(cfg, metrics)
	return cfg, client, metrics, shutdown, nil
}

// startMetrics serves the Prometheus endpoint for the lifetime of the
// invocation when an address is configured. The returned shutdown is always
// safe to call.
func (a *app) startMetrics(addr string) (*observability.Metrics, func()) {
	if addr == "" {
		return nil, func() {}
	}
	metrics, handler, err := observability.NewMetrics(a.ctx)
	if err != nil {
		slog.Warn("Metrics disabled", "error", err)
		return nil, func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics server stopped", "error", err)
		}
	}()
	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// defaultFlavor is used when neither the flag nor the config store names one.
const defaultFlavor = "cpu-basic"

// resolveFlavor applies the precedence flag > stored default > cpu-basic.
func (a *app) resolveFlavor(flag string) string {
	if flag != "" {
		return flag
	}
	if a.store != nil {
		if f := a.store.DefaultFlavor(); f != "" {
			return f
		}
	}
	return defaultFlavor
}

// owner resolves the namespace to operate in, asking the backend for the
// token's identity when no --namespace was given.
func (a *app) owner(ctx context.Context, client *api.Client) (string, error) {
	if a.global.Namespace != "" {
		return a.global.Namespace, nil
	}
	return client.Whoami(ctx)
}

// redactor covers the token so diagnostics never leak it. Commands with
// secrets extend this with redact.FromSecrets.
func (a *app) redactor() *redact.Redactor {
	if a.global.Token != "" {
		return redact.New(a.global.Token)
	}
	return redact.New(os.Getenv(config.EnvToken))
}

// fail prints a redacted diagnostic and records the error's exit code,
// unless a subcommand already recorded a more specific one (such as the
// remote job's own code).
func (a *app) fail(r *redact.Redactor, err error) error {
	if r == nil {
		r = a.redactor()
	}
	fmt.Fprintf(a.stderr, "hfjobs: %s\n", r.RedactErr(err))
	if a.exitCode == apperrors.ExitOK {
		a.exitCode = apperrors.ExitCode(err)
	}
	return nil
}
