package cli

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/internal/session"
)

// newPrompter picks how questions are answered: a fixed answer when forced,
// a line editor on an interactive terminal, otherwise lines read from stdin.
// Questions nobody can answer (no stdin) are declined.
func newPrompter(stdin io.Reader, o *IO, force *bool, logger zerolog.Logger) session.Prompter {
	if force != nil {
		return session.StaticPrompter{Answer: *force, Logger: logger}
	}

	if f, ok := stdin.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		return &linerPrompter{o: o}
	}

	if stdin == nil {
		return session.StaticPrompter{Answer: false, Logger: logger}
	}

	return &readerPrompter{in: bufio.NewReader(stdin), o: o}
}

// linerPrompter asks on the terminal with readline-style editing.
type linerPrompter struct {
	mu sync.Mutex
	o  *IO
}

func (p *linerPrompter) Confirm(question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	answer, err := line.Prompt(question + " (yes/no): ")
	if err != nil {
		if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
			p.o.ErrPrintln("error: reading answer:", err)
		}

		return false
	}

	return isYes(answer)
}

func (p *linerPrompter) Warn(message string)  { p.o.ErrPrintln("warning:", message) }
func (p *linerPrompter) Error(message string) { p.o.ErrPrintln("error:", message) }

// readerPrompter writes questions to stderr and reads answers line by line.
type readerPrompter struct {
	mu sync.Mutex
	in *bufio.Reader
	o  *IO
}

func (p *readerPrompter) Confirm(question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.o.ErrPrint(question + " (yes/no): ")

	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		p.o.ErrPrintln()

		return false
	}

	return isYes(answer)
}

func (p *readerPrompter) Warn(message string)  { p.o.ErrPrintln("warning:", message) }
func (p *readerPrompter) Error(message string) { p.o.ErrPrintln("error:", message) }

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}

	return false
}
