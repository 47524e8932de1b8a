package client

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/multierr"

	"munin/internal/identity"
	"munin/internal/proto"
)

// Report writes one block per outcome to w, in order, and returns every
// failure combined; nil when all targets succeeded. self is used for
// guidance on unauthorized rejections.
func Report(w io.Writer, outcomes []Outcome, self identity.NodeID) error {
	var errs error
	for _, o := range outcomes {
		fmt.Fprintf(w, "== %s ==\n", header(o.Target))
		if o.Err != nil {
			fmt.Fprintf(w, "error: %v\n", o.Err)
			if hint := Hint(o.Err, self); hint != "" {
				fmt.Fprintln(w, hint)
			}
			errs = multierr.Append(errs, o.Err)
			continue
		}
		WriteResponse(w, o.Response)
		if o.Response.Failed() {
			var cause error = errors.New(o.Response.Status.String())
			if o.Response.Status.Err != nil {
				cause = o.Response.Status.Err
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", o.Target.Label(), cause))
		}
	}
	return errs
}

func header(t Target) string {
	if t.Name != "" && !t.ID.IsZero() {
		return fmt.Sprintf("%s (%s)", t.Name, t.ID.ShortString())
	}
	return t.Label()
}

// WriteResponse renders resp for a terminal.
func WriteResponse(w io.Writer, resp proto.Response) {
	switch resp.Kind {
	case proto.KindProcessList:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tNAME")
		for _, p := range resp.Processes {
			fmt.Fprintf(tw, "%d\t%s\n", p.PID, p.Name)
		}
		_ = tw.Flush()
	case proto.KindSystemInfo:
		fmt.Fprintf(w, "Hostname: %s\n", resp.SystemInfo.Hostname)
		fmt.Fprintf(w, "Uptime:   %s\n", resp.SystemInfo.Uptime)
	case proto.KindStatus:
		if resp.Status.OK {
			fmt.Fprintln(w, "OK")
			return
		}
		fmt.Fprintf(w, "failed: %s\n", resp.Status)
	default:
		fmt.Fprintf(w, "unexpected response %s\n", resp.Kind)
	}
}
