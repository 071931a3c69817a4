package session

import "github.com/rs/zerolog"

// Prompter is how the lifecycle asks the user. Confirm is called for the
// recovery choice and the migration confirmation; Warn and Error report
// non-fatal and fatal conditions.
type Prompter interface {
	Confirm(question string) bool
	Warn(message string)
	Error(message string)
}

// StaticPrompter answers every question with Answer and logs messages.
type StaticPrompter struct {
	Answer bool
	Logger zerolog.Logger
}

func (p StaticPrompter) Confirm(question string) bool {
	p.Logger.Info().Str("question", question).Bool("answer", p.Answer).Msg("confirm")

	return p.Answer
}

func (p StaticPrompter) Warn(message string) {
	p.Logger.Warn().Msg(message)
}

func (p StaticPrompter) Error(message string) {
	p.Logger.Error().Msg(message)
}
