package command

import (
	"fmt"

	"github.com/lhoestq/hfjobs/internal/job"
)

type cancelCommand struct {
	app *app

	Args struct {
		JobID string `positional-arg-name:"JOB_ID" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cancelCommand) Execute(args []string) error {
	_, client, _, shutdown, err := c.app.setup()
	if err != nil {
		return err
	}
	defer shutdown()

	ctx := c.app.ctx
	owner, err := c.app.owner(ctx, client)
	if err != nil {
		return c.app.fail(nil, err)
	}

	if err := client.Cancel(ctx, job.Handle{ID: c.Args.JobID, Owner: owner}); err != nil {
		return c.app.fail(nil, err)
	}
	fmt.Fprintln(c.app.stdout, c.Args.JobID)
	return nil
}
