package recovery

import (
	"fmt"
	"sync"

	"github.com/wudi/gulagcleaner/observability"
)

// StrictStrategy implements a fail-fast recovery strategy.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx Context, err error, location Location) Action {
	return ActionFail
}

// LenientStrategy records every problem, reports it to the logger and asks
// the caller to repair what it can.
type LenientStrategy struct {
	Logger observability.Logger

	mu     sync.Mutex
	Errors []error
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{Logger: observability.NopLogger{}}
}

func (s *LenientStrategy) OnError(ctx Context, err error, location Location) Action {
	s.mu.Lock()
	s.Errors = append(s.Errors, fmt.Errorf("[%s]: %w", location, err))
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Warn("recovered from damaged input",
			observability.String("location", location.String()),
			observability.Error("error", err))
	}
	return ActionFix
}
