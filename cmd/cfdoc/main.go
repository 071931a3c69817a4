// Package main provides cfdoc, a lifecycle tool for credibility documents.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/cfdoc/internal/cli"
)

// version is set at release time with -ldflags "-X main.version=...". When
// empty the version compiled into the cli package is used.
var version string

func main() {
	if version != "" {
		cli.Version = version
	}

	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	// SIGHUP stops a long running watch when its terminal goes away, so open
	// documents are closed and their leases released.
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	os.Exit(exitCode)
}
