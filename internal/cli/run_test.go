package cli_test

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/calvinalkan/cfdoc/internal/cli"
)

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "open")

	if got, want := exitCode, cli.ExitUsage; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
}

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	// Call Run directly without test helper (which adds --cwd)
	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"cfdoc"}, nil, nil)

	if got, want := exitCode, cli.ExitOK; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "cfdoc - credibility document lifecycle tool")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "open <file> [--yes|--no]")
	cli.AssertContains(t, stdout.String(), "watch <dir>")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "print-config")
}

func Test_Command_Help_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("open", "--help")

	cli.AssertContains(t, stdout, "Usage: cfdoc open <file>")
	cli.AssertContains(t, stdout, "--no-save")
	cli.AssertContains(t, stdout, "--yes")
}

func Test_Missing_File_Argument_When_Command_Needs_One(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	for _, cmd := range []string{"new", "open", "info", "recover", "migrations", "watch"} {
		stderr := c.MustFail(cmd)
		cli.AssertContains(t, stderr, "document file is required")
	}
}

func Test_Invalid_Log_Level_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--log-level", "loud", "print-config")

	cli.AssertContains(t, stderr, `log_level "loud"`)
}

func Test_Exit_Codes_When_Lifecycle_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("--app-version", "3.0", "new", "newer.cf")

	_, _, code := c.Run("--app-version", "2.0", "open", "newer.cf")
	if got, want := code, cli.ExitVersion; got != want {
		t.Errorf("newer document: exitCode=%d, want=%d", got, want)
	}

	c.WriteFile("broken.cf", "not a zip archive")

	_, _, code = c.Run("open", "broken.cf")
	if got, want := code, cli.ExitError; got != want {
		t.Errorf("broken archive: exitCode=%d, want=%d", got, want)
	}

	_, _, code = c.Run("open", "a.cf", "--yes", "--no")
	if got, want := code, cli.ExitUsage; got != want {
		t.Errorf("conflicting flags: exitCode=%d, want=%d", got, want)
	}
}

func Test_Watch_Stops_When_Hangup_Signal_Received(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGHUP

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"cfdoc", "--cwd", c.Dir, "watch", c.Dir}, c.Env, sigCh)

	if got, want := exitCode, cli.ExitOK; got != want {
		t.Errorf("exitCode=%d, want=%d (stderr=%q)", got, want, stderr.String())
	}
}
