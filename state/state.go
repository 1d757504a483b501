package state

import (
	"context"
	"log/slog"
)

// State access must be done only on a single goroutine
type State struct {
	*Env
	Registry *Registry
}

// Env can be read from any goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Config
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
}
