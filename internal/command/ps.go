package command

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lhoestq/hfjobs/internal/apperrors"
	"github.com/lhoestq/hfjobs/internal/job"
)

type psCommand struct {
	app *app

	All    bool   `short:"a" long:"all" description:"Include finished jobs"`
	Status string `long:"status" description:"Only show jobs in this state (e.g. RUNNING)"`
}

func (c *psCommand) Execute(args []string) error {
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

	jobs, err := client.List(ctx, owner)
	if err != nil {
		return c.app.fail(nil, err)
	}

	var filter job.State
	if c.Status != "" {
		filter = job.State(strings.ToUpper(c.Status))
		if !filter.Known() {
			return apperrors.Usage("status", fmt.Sprintf("unknown state %q", c.Status))
		}
	}

	w := tabwriter.NewWriter(c.app.stdout, 2, 4, 3, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tIMAGE\tCOMMAND\tCREATED\tSTATUS\tFLAVOR")
	for _, j := range jobs {
		if filter != "" && j.Status.State != filter {
			continue
		}
		if filter == "" && !c.All && j.Status.State.Terminal() {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.Handle.ID, j.Image, formatCommand(j.Command), formatAge(j.Handle.CreatedAt),
			formatStatus(j.Status), j.Flavor)
	}
	return w.Flush()
}

// formatCommand joins and truncates the command for one table cell.
func formatCommand(cmd []string) string {
	s := strings.Join(cmd, " ")
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	if s == "" {
		return `""`
	}
	return fmt.Sprintf("%q", s)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatStatus(st job.Status) string {
	if st.State == job.StateFailed && st.ExitCode != nil {
		return fmt.Sprintf("%s (%d)", st.State, *st.ExitCode)
	}
	return string(st.State)
}
