package command

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lhoestq/hfjobs/internal/job"
)

type inspectCommand struct {
	app *app

	Args struct {
		JobID string `positional-arg-name:"JOB_ID" required:"yes"`
	} `positional-args:"yes"`
}

func (c *inspectCommand) Execute(args []string) error {
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

	raw, err := client.Inspect(ctx, job.Handle{ID: c.Args.JobID, Owner: owner})
	if err != nil {
		return c.app.fail(nil, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		// Not JSON after all; print the raw payload as-is.
		fmt.Fprintln(c.app.stdout, string(raw))
		return nil
	}
	fmt.Fprintln(c.app.stdout, pretty.String())
	return nil
}
