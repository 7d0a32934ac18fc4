package command

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/logstream"
	"github.com/lhoestq/hfjobs/internal/redact"
	"github.com/lhoestq/hfjobs/internal/runner"
	"github.com/lhoestq/hfjobs/internal/track"
)

type uvCommand struct {
	Run uvRunCommand `command:"run" description:"Upload a uv script and run it as a job"`
}

type uvRunCommand struct {
	app *app

	Repo       string   `long:"repo" description:"Script repository to upload into (defaults to the last one used, else an ephemeral repo)"`
	Python     string   `long:"python" default:"3.12" description:"Python version for the uv image"`
	Flavor     string   `long:"flavor" description:"Hardware flavor, as in Spaces (default: cpu-basic, or the configured default)"`
	Env        []string `short:"e" long:"env" description:"Environment variable as KEY=VALUE (repeatable)"`
	Secrets    []string `short:"s" long:"secret" description:"Secret environment variable as KEY=VALUE (repeatable)"`
	Timeout    string   `long:"timeout" description:"Max duration as <number>[s|m|h|d], default unit seconds"`
	Detach     bool     `short:"d" long:"detach" description:"Submit and print the job id without following"`
	Timestamps bool     `short:"t" long:"timestamps" description:"Prefix log lines with their timestamps"`

	Args struct {
		Script     string   `positional-arg-name:"SCRIPT" required:"yes" description:"Local uv script to run"`
		ScriptArgs []string `positional-arg-name:"ARGS" description:"Arguments passed to the script"`
	} `positional-args:"yes"`
}

func (c *uvRunCommand) Execute(args []string) error {
	content, err := os.ReadFile(c.Args.Script)
	if err != nil {
		return apperrors.Usage("script", fmt.Sprintf("cannot read %s: %v", c.Args.Script, err))
	}

	env, err := ParseAssignments("env", c.Env)
	if err != nil {
		return err
	}
	secrets, err := ParseAssignments("secret", c.Secrets)
	if err != nil {
		return err
	}
	var timeoutSecs int64
	if c.Timeout != "" {
		if timeoutSecs, err = ParseTimeout(c.Timeout); err != nil {
			return err
		}
	}

	cfg, client, metrics, shutdown, err := c.app.setup()
	if err != nil {
		return err
	}
	defer shutdown()

	ctx := c.app.ctx
	vals := secretValues(secrets)
	if tok := c.app.global.Token; tok != "" {
		vals = append(vals, tok)
	} else if tok := os.Getenv(config.EnvToken); tok != "" {
		vals = append(vals, tok)
	}
	r := redact.New(vals...)
	owner, err := c.app.owner(ctx, client)
	if err != nil {
		return c.app.fail(r, err)
	}

	repo, ephemeral := c.resolveRepo(owner, content)
	if err := client.EnsureScriptRepo(ctx, repo, false); err != nil {
		return c.app.fail(r, err)
	}

	filename := filepath.Base(c.Args.Script)
	url, err := client.UploadScript(ctx, repo, filename, content)
	if err != nil {
		return c.app.fail(r, err)
	}
	fmt.Fprintf(c.app.stderr, "Uploaded %s to %s\n", filename, repo)

	if !ephemeral && c.app.store != nil {
		if err := c.app.store.SetScriptRepo(repo); err != nil {
			slog.Debug("Could not persist script repo", "error", err)
		}
	}

	spec := job.Spec{
		Image:          "ghcr.io/astral-sh/uv:python" + c.Python + "-bookworm-slim",
		Command:        append([]string{"uv", "run", url}, c.Args.ScriptArgs...),
		Flavor:         c.app.resolveFlavor(c.Flavor),
		Env:            env,
		Secrets:        secrets,
		TimeoutSeconds: timeoutSecs,
		Detach:         c.Detach,
	}

	run := runner.New(client, r, runner.Options{
		Stdout:     c.app.stdout,
		Stderr:     c.app.stderr,
		Timestamps: c.Timestamps,
		Tracker:    track.Config{PollInterval: cfg.PollInterval},
		Stream:     logstream.Config{Inactivity: cfg.LogInactivity},
		Metrics:    metrics,
	})
	code, err := run.Run(ctx, owner, spec)
	c.app.exitCode = code
	if err != nil {
		return c.app.fail(r, err)
	}
	return nil
}

// resolveRepo picks the script repository: the --repo flag, then the
// persisted last-used repo, then a fresh single-use repo named after the
// script's content hash.
func (c *uvRunCommand) resolveRepo(owner string, content []byte) (repo string, ephemeral bool) {
	repo = c.Repo
	if repo == "" && c.app.store != nil {
		repo = c.app.store.ScriptRepo()
	}
	if repo == "" {
		sum := sha256.Sum256(content)
		return fmt.Sprintf("%s/hfjobs-uv-run-%s-%x", owner,
			time.Now().UTC().Format("20060102-150405"), sum[:4]), true
	}
	if !strings.Contains(repo, "/") {
		repo = owner + "/" + repo
	}
	return repo, false
}
