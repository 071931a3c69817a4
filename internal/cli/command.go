package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/session"
)

// Exit codes. Lifecycle failures get their own code so scripts can tell a
// newer document from a broken one without parsing stderr.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 2
	ExitVersion     = 3
	ExitCorrupt     = 4
	ExitInUse       = 5
	ExitInterrupted = 130
)

// Command is one cfdoc subcommand.
type Command struct {
	// Flags holds the command flags. Its name is unused; Usage names the command.
	Flags *flag.FlagSet

	// Usage follows "cfdoc" in help, e.g. "open <file> [--yes|--no]".
	Usage string

	// Short is the one-line summary in the command listing.
	Short string

	// Long is shown by "cfdoc <cmd> --help". Falls back to Short.
	Long string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the entry for the command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp writes the full help of the command.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: cfdoc", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var buf strings.Builder

	c.Flags.SetOutput(&buf)
	c.Flags.PrintDefaults()

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", buf.String())
}

// Run parses args, executes the command and maps its error to an exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return ExitOK
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return ExitUsage
	}

	err := c.Exec(ctx, o, c.Flags.Args())
	if err == nil {
		return o.Finish()
	}

	o.ErrPrintln("error:", err)

	return exitCode(ctx, err)
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, ErrFileRequired), errors.Is(err, ErrConflictingFlag):
		return ExitUsage
	case errors.Is(err, session.ErrVersionMismatch):
		return ExitVersion
	case errors.Is(err, session.ErrCorrupt):
		return ExitCorrupt
	case errors.Is(err, session.ErrInUse):
		return ExitInUse
	}

	return ExitError
}
