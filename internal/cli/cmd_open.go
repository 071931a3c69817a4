package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/session"
)

// answerFlags adds --yes/--no and returns a resolver for the forced answer.
func answerFlags(flags *flag.FlagSet) func() (*bool, error) {
	yes := flags.Bool("yes", false, "Answer yes to every question")
	no := flags.Bool("no", false, "Answer no to every question")

	return func() (*bool, error) {
		switch {
		case *yes && *no:
			return nil, fmt.Errorf("%w: --yes and --no", ErrConflictingFlag)
		case *yes:
			return yes, nil
		case *no:
			f := false

			return &f, nil
		}

		return nil, nil
	}
}

// OpenCmd returns the open command.
func OpenCmd(a *app) *Command {
	flags := flag.NewFlagSet("open", flag.ContinueOnError)
	answer := answerFlags(flags)
	noSave := flags.Bool("no-save", false, "Do not save changes made while opening")

	return &Command{
		Flags: flags,
		Usage: "open <file> [--yes|--no]",
		Short: "Open a document, upgrade it if needed, save and close",
		Long: `Open a document through the full lifecycle: recover or extract the working
directory, check the version, run migrations and load the session cache.
Changes made while opening (upgrade, recovery) are saved before closing.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			force, err := answer()
			if err != nil {
				return err
			}

			return withSession(ctx, a, o, args[0], force, !*noSave, func(_ context.Context, s *session.Session) error {
				printSummary(o, s)

				return nil
			})
		},
	}
}

// withSession opens file, runs fn and closes the session. Dirty sessions are
// saved first when save is set.
func withSession(ctx context.Context, a *app, o *IO, file string, force *bool, save bool, fn func(context.Context, *session.Session) error) (err error) {
	loader, err := a.loader(o, force)
	if err != nil {
		return err
	}

	s, err := loader.Open(ctx, a.abs(file))
	if err != nil {
		if errors.Is(err, session.ErrMigrationCancelled) {
			o.Println("cancelled")

			return nil
		}

		return err
	}

	defer func() {
		err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
	}()

	if err := fn(ctx, s); err != nil {
		return err
	}

	if !s.Dirty() {
		return nil
	}

	if !save {
		o.Warn(s.Path()+" has unsaved changes", "run open again without --no-save to keep them")

		return nil
	}

	if err := s.Save(ctx); err != nil {
		return err
	}

	o.Println("saved", s.Path())

	return nil
}

func printSummary(o *IO, s *session.Session) {
	c := s.Cache()
	m := c.Model()

	o.Println("path=" + s.Path())
	o.Println("work_dir=" + s.WorkDir())
	o.Println("id=" + m.ID)
	o.Println("application=" + m.Application)
	o.Println("version=" + m.Version)
	o.Printf("recovered=%t\n", s.Recovered())
	o.Printf("dirty=%t\n", s.Dirty())

	if u := c.User(); u.Name != "" {
		o.Printf("user=%s (id %d)\n", u.Name, u.ID)
	}

	if setup := c.Setup(); len(setup) > 0 {
		keys := make([]string, 0, len(setup))
		for k := range setup {
			keys = append(keys, k)
		}

		slices.Sort(keys)
		o.Println("setup=" + strings.Join(keys, ","))
	}

	states := make([]string, 0, len(s.Transitions()))
	for _, st := range s.Transitions() {
		states = append(states, st.String())
	}

	o.Println("states=" + strings.Join(states, ","))
}
