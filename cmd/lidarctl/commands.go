package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/xtxerr/lidarlog/internal/client"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// command is one lidarctl verb.
type command struct {
	name    string
	args    string
	summary string
	// minArgs and maxArgs bound len(args); maxArgs < 0 means unbounded.
	minArgs, maxArgs int
	// fileArg is the index of an argument that names a file, or -1.
	fileArg int
	run     func(c *cli, ctx context.Context, args []string) error
}

var commands = []command{
	{name: "start", args: "<dataset>", summary: "start recording into a dataset", minArgs: 1, maxArgs: 1, fileArg: 0, run: (*cli).start},
	{name: "stop", summary: "stop recording", fileArg: -1, run: (*cli).stop},
	{name: "status", summary: "show acquisition status", fileArg: -1, run: (*cli).status},
	{name: "files", summary: "list files", fileArg: -1, run: (*cli).files},
	{name: "create", args: "<name>", summary: "create an empty dataset", minArgs: 1, maxArgs: 1, fileArg: -1, run: (*cli).create},
	{name: "csv", args: "<dataset> [csv name]", summary: "convert a dataset to CSV", minArgs: 1, maxArgs: 2, fileArg: 0, run: (*cli).csv},
	{name: "parquet", args: "<dataset>", summary: "export a dataset to parquet", minArgs: 1, maxArgs: 1, fileArg: 0, run: (*cli).parquet},
	{name: "sessions", args: "<dataset>", summary: "list sessions with distance summaries", minArgs: 1, maxArgs: 1, fileArg: 0, run: (*cli).sessions},
	{name: "download", args: "<file> [dest]", summary: "download a file", minArgs: 1, maxArgs: 2, fileArg: 0, run: (*cli).download},
	{name: "ingest", args: "<dataset> <run name>", summary: "publish a dataset as a telemetry run", minArgs: 2, maxArgs: -1, fileArg: 0, run: (*cli).ingest},
	{name: "delete", args: "<file>", summary: "delete a file", minArgs: 1, maxArgs: 1, fileArg: 0, run: (*cli).delete},
}

func lookup(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", cmd.name, cmd.args, cmd.summary)
	}
	tw.Flush()
}

// cli runs commands against one daemon.
type cli struct {
	c   *client.Client
	out io.Writer
}

func newCLI(c *client.Client, out io.Writer) *cli {
	return &cli{c: c, out: out}
}

// exec runs args[0] with the remaining arguments.
func (x *cli) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, ok := lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	rest := args[1:]
	if len(rest) < cmd.minArgs || (cmd.maxArgs >= 0 && len(rest) > cmd.maxArgs) {
		return fmt.Errorf("usage: %s %s", cmd.name, cmd.args)
	}
	return cmd.run(x, ctx, rest)
}

func (x *cli) start(ctx context.Context, args []string) error {
	res, err := x.c.Start(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "%s: %s %s\n", res.Message, res.Session.Filename, res.Session.Path())
	return nil
}

func (x *cli) stop(ctx context.Context, _ []string) error {
	if err := x.c.Stop(ctx); err != nil {
		if errors.Is(err, errors.ErrNotRunning) {
			fmt.Fprintln(x.out, "not running")
			return nil
		}
		return err
	}
	fmt.Fprintln(x.out, "Lidar stopped")
	return nil
}

func (x *cli) status(ctx context.Context, _ []string) error {
	st, err := x.c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "state: %s\n", st.State)
	if st.Session != nil {
		fmt.Fprintf(x.out, "file: %s\nsession: %s\nrows: %d\npolls: %d (%d failed)\n",
			st.Session.Filename, st.Session.Path(), st.Rows, st.Polls, st.PollFailures)
	}
	if st.LastError != "" {
		fmt.Fprintf(x.out, "last error: %s\n", st.LastError)
	}
	return nil
}

func (x *cli) files(ctx context.Context, _ []string) error {
	entries, err := x.c.Files(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(x.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSIZE\tMODIFIED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Name, e.Kind, e.Size, e.Modified.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func (x *cli) create(ctx context.Context, args []string) error {
	name, err := x.c.Create(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "created %s\n", name)
	return nil
}

func (x *cli) csv(ctx context.Context, args []string) error {
	var csvName string
	if len(args) > 1 {
		csvName = args[1]
	}
	res, err := x.c.ConvertCSV(ctx, args[0], csvName)
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "wrote %s (%d rows)\n", res.CSVFilename, res.Rows)
	return nil
}

func (x *cli) parquet(ctx context.Context, args []string) error {
	res, err := x.c.ExportParquet(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "wrote %s (%d sessions, %d rows, %d bytes)\n", res.Filename, res.Sessions, res.Rows, res.Size)
	return nil
}

func (x *cli) sessions(ctx context.Context, args []string) error {
	sums, err := x.c.Sessions(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(x.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tSESSION\tSTARTED\tROWS\tRETURNS\tMIN\tAVG\tMAX\tP50\tCLOSED")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.3f\t%.3f\t%.3f\t%s\t%t\n",
			s.Day, s.Name, s.StartTime.Format("15:04:05"), s.Summary.Count, s.Summary.Returns,
			s.Summary.Min, s.Summary.Avg, s.Summary.Max, optional(s.Summary.P50), s.Closed)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}

func (x *cli) download(ctx context.Context, args []string) error {
	dest := args[0]
	if len(args) > 1 {
		dest = args[1]
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	n, err := x.c.Download(ctx, args[0], f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	fmt.Fprintf(x.out, "saved %s (%d bytes)\n", dest, n)
	return nil
}

func (x *cli) ingest(ctx context.Context, args []string) error {
	// Run names may contain spaces.
	res, err := x.c.Ingest(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(x.out, "published run %s (%d flows in %d batches)\n", res.Run, res.Flows, res.Batches)
	return nil
}

func (x *cli) delete(ctx context.Context, args []string) error {
	if err := x.c.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(x.out, "deleted %s\n", args[0])
	return nil
}

// fileNames returns the daemon's file names, sorted, for completion.
func (x *cli) fileNames(ctx context.Context) []string {
	entries, err := x.c.Files(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}
