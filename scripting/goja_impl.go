package scripting

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

type GojaEngine struct {
	vm *goja.Runtime
}

func NewEngine() *GojaEngine {
	return &GojaEngine{vm: goja.New()}
}

// interruptible runs fn and interrupts the VM when ctx ends first.
func (e *GojaEngine) interruptible(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	// The watcher must be gone before the interrupt flag is cleared, or a
	// late Interrupt would poison the next call.
	defer func() {
		close(done)
		<-exited
		e.vm.ClearInterrupt()
	}()

	val, err := fn()
	if err != nil {
		if interruptedErr, ok := err.(*goja.InterruptedError); ok {
			if cause := interruptedErr.Unwrap(); cause != nil {
				return nil, cause
			}
			return nil, context.Canceled
		}
		return nil, err
	}
	return val, nil
}

func (e *GojaEngine) Execute(ctx context.Context, script string) (interface{}, error) {
	val, err := e.interruptible(ctx, func() (goja.Value, error) { return e.vm.RunString(script) })
	if err != nil {
		return nil, err
	}
	return val.Export(), nil
}

func (e *GojaEngine) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("script does not define function %q", name)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = e.vm.ToValue(a)
	}
	val, err := e.interruptible(ctx, func() (goja.Value, error) { return fn(goja.Undefined(), jsArgs...) })
	if err != nil {
		return nil, err
	}
	return val.Export(), nil
}

func (e *GojaEngine) RegisterHost(host Host) error {
	appObj := e.vm.NewObject()
	err := appObj.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		host.Log(strings.Join(parts, " "))
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	return e.vm.Set("app", appObj)
}

// SetGlobal binds a Go value under name.
func (e *GojaEngine) SetGlobal(name string, value interface{}) error {
	return e.vm.Set(name, value)
}
