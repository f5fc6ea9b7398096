// Package scripting lets users supply their own page classifier as a
// JavaScript function, evaluated with goja.
package scripting

import (
	"context"
)

// Engine runs classifier scripts.
type Engine interface {
	// Execute evaluates script in the engine's global scope.
	Execute(ctx context.Context, script string) (interface{}, error)

	// Call invokes a global function defined by an earlier Execute.
	Call(ctx context.Context, name string, args ...interface{}) (interface{}, error)

	// RegisterHost exposes host services to scripts.
	RegisterHost(host Host) error
}

// Host is what a script can reach besides the page it is handed.
type Host interface {
	// Log receives the arguments of app.log.
	Log(message string)
}
