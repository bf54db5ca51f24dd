package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

// CLI renders migrator operations for `guardflow migrate`.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI writes to stdout until SetOutput is called.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

type action struct {
	arg  string // 位置参数名，空表示无参数
	help string
	run  func(c *CLI, ctx context.Context, n int) error
}

var actions = map[string]action{
	"up":      {help: "apply all pending audit schema migrations", run: (*CLI).up},
	"down":    {help: "roll back the most recent migration", run: (*CLI).down},
	"steps":   {arg: "N", help: "apply N (>0) or roll back -N (<0) migrations", run: (*CLI).steps},
	"force":   {arg: "V", help: "mark version V as applied and clear the dirty flag", run: (*CLI).force},
	"version": {help: "print the current schema version", run: func(c *CLI, ctx context.Context, _ int) error { return c.version(ctx) }},
	"status":  {help: "list every migration and whether it is applied", run: func(c *CLI, ctx context.Context, _ int) error { return c.status(ctx) }},
	"info":    {help: "print applied and pending counts", run: func(c *CLI, ctx context.Context, _ int) error { return c.info(ctx) }},
}

// Actions describes the supported actions, one per line, for usage output.
func Actions() string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	for _, name := range names {
		a := actions[name]
		usage := name
		if a.arg != "" {
			usage += " " + a.arg
		}
		fmt.Fprintf(w, "  %s\t%s\n", usage, a.help)
	}
	_ = w.Flush()
	return b.String()
}

// Run executes one action. steps and force take exactly one integer argument.
func (c *CLI) Run(ctx context.Context, name string, args []string) error {
	a, ok := actions[name]
	if !ok {
		return fmt.Errorf("unknown migrate action %q", name)
	}

	n := 0
	if a.arg != "" {
		if len(args) != 1 {
			return fmt.Errorf("%s requires exactly one integer argument", name)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%s: invalid argument %q: %w", name, args[0], err)
		}
		n = v
	}
	return a.run(c, ctx, n)
}

func (c *CLI) up(ctx context.Context, _ int) error {
	fmt.Fprintln(c.output, "Migrating audit schema...")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.version(ctx)
}

func (c *CLI) down(ctx context.Context, _ int) error {
	fmt.Fprintln(c.output, "Rolling back 1 migration(s)...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.version(ctx)
}

func (c *CLI) steps(ctx context.Context, n int) error {
	switch {
	case n == 0:
		return fmt.Errorf("steps must be non-zero")
	case n > 0:
		fmt.Fprintf(c.output, "Applying %d migration(s)...\n", n)
	default:
		fmt.Fprintf(c.output, "Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return c.version(ctx)
}

func (c *CLI) force(ctx context.Context, v int) error {
	if err := c.migrator.Force(ctx, v); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "Audit schema forced to version %d\n", v)
	return nil
}

func (c *CLI) version(ctx context.Context) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if v == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty, run force after fixing the schema)"
	}
	fmt.Fprintf(c.output, "Audit schema version: %d%s\n", v, suffix)
	return nil
}

func (c *CLI) status(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	return w.Flush()
}

func (c *CLI) info(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "applied:\t%d/%d\n", info.AppliedMigrations, info.TotalMigrations)
	fmt.Fprintf(w, "pending:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
