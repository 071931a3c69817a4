// Package cli implements the cfdoc command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/internal/config"
	"github.com/calvinalkan/cfdoc/internal/session"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// Version is the application version compiled into the binary. The cfdoc
// binary overrides it from main.version when that is stamped at build time.
var Version = "1.3"

var (
	ErrFlagRequiresArg = errors.New("flag requires an argument")
	ErrUnknownFlag     = errors.New("unknown flag")
	ErrFileRequired    = errors.New("document file is required")
	ErrConflictingFlag = errors.New("conflicting flags")
)

const (
	consumedNone = 0
	consumedOne  = 1
	consumedTwo  = 2
	helpFlag     = "--help"
)

// app carries what every command needs.
type app struct {
	cfg      config.Config
	fs       fs.FS
	stdin    io.Reader
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *session.Metrics
}

// abs resolves path against the effective working directory.
func (a *app) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(a.cfg.EffectiveCwd, path)
}

func (a *app) loader(o *IO, force *bool) (*session.Loader, error) {
	cfg := a.cfg.Session()
	cfg.Logger = &a.logger
	cfg.Metrics = a.metrics

	return session.NewLoader(a.fs, newPrompter(a.stdin, o, force, a.logger), cfg)
}

func commands(a *app) []*Command {
	return []*Command{
		NewCmd(a),
		OpenCmd(a),
		InfoCmd(a),
		RecoverCmd(a),
		MigrationsCmd(a),
		WatchCmd(a),
		PrintConfigCmd(&a.cfg),
	}
}

// Run is the main entry point. Returns exit code.
//
// The first signal received on sigCh cancels the running command.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	o := NewIO(out, errOut)

	flags, err := parseGlobalFlags(args[min(1, len(args)):])
	if err != nil {
		o.ErrPrintln("error:", err)

		return ExitUsage
	}

	if len(flags.remaining) == 0 || flags.remaining[0] == "-h" || flags.remaining[0] == helpFlag {
		printUsage(o, nil)

		return ExitOK
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride:   flags.workDir,
		ConfigPath:        flags.configPath,
		AppVersion:        flags.appVersion,
		LogLevel:          flags.logLevel,
		DefaultAppVersion: Version,
		Env:               env,
	})
	if err != nil {
		o.ErrPrintln("error:", err)

		return ExitError
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: o.Stderr(), NoColor: true}).
		Level(cfg.Level()).
		With().Timestamp().Logger()

	registry := prometheus.NewRegistry()

	a := &app{
		cfg:      cfg,
		fs:       fs.NewReal(),
		stdin:    stdin,
		logger:   logger,
		registry: registry,
		metrics:  session.NewMetrics(registry),
	}

	cmds := commands(a)

	name := flags.remaining[0]

	var cmd *Command

	for _, c := range cmds {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		o.ErrPrintln("error: unknown command:", name)
		o.ErrPrintln()
		printUsage(NewIO(errOut, errOut), cmds)

		return ExitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info().Stringer("signal", sig).Msg("shutting down")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, o, flags.remaining[1:])
}

type globalFlags struct {
	workDir    string
	configPath string
	appVersion string
	logLevel   string
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// valueFlag matches "-s v", "--long v" and "--long=v" forms.
func valueFlag(args []string, idx int, short, long string, dst *string) (int, error) {
	arg := args[idx]

	if arg == long || (short != "" && arg == short) {
		if idx+1 >= len(args) {
			return consumedNone, fmt.Errorf("%w: %s", ErrFlagRequiresArg, arg)
		}

		*dst = args[idx+1]

		return consumedTwo, nil
	}

	if after, ok := strings.CutPrefix(arg, long+"="); ok {
		*dst = after

		return consumedOne, nil
	}

	return consumedNone, nil
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	for _, f := range []struct {
		short, long string
		dst         *string
	}{
		{"-C", "--cwd", &flags.workDir},
		{"-c", "--config", &flags.configPath},
		{"", "--app-version", &flags.appVersion},
		{"", "--log-level", &flags.logLevel},
	} {
		n, err := valueFlag(args, idx, f.short, f.long, f.dst)
		if err != nil || n > 0 {
			return n, err
		}
	}

	if after, ok := strings.CutPrefix(arg, "-C"); ok && after != "" {
		flags.workDir = after

		return consumedOne, nil
	}

	// -h/--help flags
	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if strings.HasPrefix(arg, "-") && arg != "-" {
		return consumedNone, fmt.Errorf("%w: %s", ErrUnknownFlag, arg)
	}

	return consumedNone, nil
}

func printUsage(o *IO, cmds []*Command) {
	o.Println(`cfdoc - credibility document lifecycle tool

Usage: cfdoc [options] <command> [args]

Options:
  -C, --cwd <dir>          Run as if started in <dir>
  -c, --config <file>      Use specified config file
  --app-version <version>  Override the application version
  --log-level <level>      Override the log level

Commands:`)

	if cmds == nil {
		cmds = commands(&app{})
	}

	for _, c := range cmds {
		o.Println(c.HelpLine())
	}
}
