package command

import (
	"os"

	"github.com/lhoestq/hfjobs/internal/config"
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/logstream"
	"github.com/lhoestq/hfjobs/internal/redact"
	"github.com/lhoestq/hfjobs/internal/runner"
	"github.com/lhoestq/hfjobs/internal/track"
)

type runCommand struct {
	app *app

	Flavor        string   `long:"flavor" description:"Hardware flavor, as in Spaces (default: cpu-basic, or the configured default)"`
	Env           []string `short:"e" long:"env" description:"Environment variable as KEY=VALUE (repeatable)"`
	Secrets       []string `short:"s" long:"secret" description:"Secret environment variable as KEY=VALUE (repeatable)"`
	EnvFile       string   `long:"env-file" description:"Read environment variables from a file"`
	SecretEnvFile string   `long:"secret-env-file" description:"Read secret environment variables from a file"`
	Timeout       string   `long:"timeout" description:"Max duration as <number>[s|m|h|d], default unit seconds"`
	Detach        bool     `short:"d" long:"detach" description:"Submit and print the job id without following"`
	Timestamps    bool     `short:"t" long:"timestamps" description:"Prefix log lines with their timestamps"`

	Args struct {
		Image   string   `positional-arg-name:"IMAGE" required:"yes" description:"Docker image or Space URL"`
		Command []string `positional-arg-name:"COMMAND" description:"Command to run"`
	} `positional-args:"yes"`
}

func (c *runCommand) Execute(args []string) error {
	spec, r, err := c.buildSpec()
	if err != nil {
		return err
	}

	cfg, client, metrics, shutdown, err := c.app.setup()
	if err != nil {
		return err
	}
	defer shutdown()

	spec.Flavor = c.app.resolveFlavor(spec.Flavor)

	ctx := c.app.ctx
	owner, err := c.app.owner(ctx, client)
	if err != nil {
		return c.app.fail(r, err)
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

// buildSpec validates all inputs locally. Nothing touches the network until
// this succeeds.
func (c *runCommand) buildSpec() (job.Spec, *redact.Redactor, error) {
	image, spaceID, err := ResolveImage(c.Args.Image)
	if err != nil {
		return job.Spec{}, nil, err
	}

	env, err := ParseAssignments("env", c.Env)
	if err != nil {
		return job.Spec{}, nil, err
	}
	if c.EnvFile != "" {
		if env == nil {
			env = make(map[string]string)
		}
		if err := LoadEnvFile("env-file", c.EnvFile, env); err != nil {
			return job.Spec{}, nil, err
		}
	}

	secrets, err := ParseAssignments("secret", c.Secrets)
	if err != nil {
		return job.Spec{}, nil, err
	}
	if c.SecretEnvFile != "" {
		if secrets == nil {
			secrets = make(map[string]string)
		}
		if err := LoadEnvFile("secret-env-file", c.SecretEnvFile, secrets); err != nil {
			return job.Spec{}, nil, err
		}
	}

	var timeoutSecs int64
	if c.Timeout != "" {
		timeoutSecs, err = ParseTimeout(c.Timeout)
		if err != nil {
			return job.Spec{}, nil, err
		}
	}

	spec := job.Spec{
		Image:          image,
		SpaceID:        spaceID,
		Command:        c.Args.Command,
		Flavor:         c.Flavor,
		Env:            env,
		Secrets:        secrets,
		TimeoutSeconds: timeoutSecs,
		Detach:         c.Detach,
	}

	vals := secretValues(secrets)
	tok := c.app.global.Token
	if tok == "" {
		tok = os.Getenv(config.EnvToken)
	}
	if tok != "" {
		vals = append(vals, tok)
	}
	return spec, redact.New(vals...), nil
}

func secretValues(secrets map[string]string) []string {
	out := make([]string, 0, len(secrets))
	for _, v := range secrets {
		out = append(out, v)
	}
	return out
}
