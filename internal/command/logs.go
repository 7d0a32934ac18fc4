package command

import (
	"github.com/lhoestq/hfjobs/internal/job"
	"github.com/lhoestq/hfjobs/internal/logstream"
	"github.com/lhoestq/hfjobs/internal/runner"
	"github.com/lhoestq/hfjobs/internal/track"
)

type logsCommand struct {
	app *app

	Timestamps bool   `short:"t" long:"timestamps" description:"Prefix log lines with their timestamps"`
	From       uint64 `long:"from" description:"Resume from this sequence number instead of the beginning"`

	Args struct {
		JobID string `positional-arg-name:"JOB_ID" required:"yes"`
	} `positional-args:"yes"`
}

func (c *logsCommand) Execute(args []string) error {
	cfg, client, metrics, shutdown, err := c.app.setup()
	if err != nil {
		return err
	}
	defer shutdown()

	ctx := c.app.ctx
	owner, err := c.app.owner(ctx, client)
	if err != nil {
		return c.app.fail(nil, err)
	}

	run := runner.New(client, c.app.redactor(), runner.Options{
		Stdout:     c.app.stdout,
		Stderr:     c.app.stderr,
		Timestamps: c.Timestamps,
		Tracker:    track.Config{PollInterval: cfg.PollInterval},
		Stream:     logstream.Config{From: c.From, Inactivity: cfg.LogInactivity},
		Metrics:    metrics,
	})
	code, err := run.Attach(ctx, job.Handle{ID: c.Args.JobID, Owner: owner})
	c.app.exitCode = code
	if err != nil {
		return c.app.fail(nil, err)
	}
	return nil
}
