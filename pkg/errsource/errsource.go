// Package errsource finds where an error was created.
package errsource

import (
	"runtime"

	"golang.org/x/exp/errors"
)

// Source returns the frame recorded by the innermost error in the chain that
// carries one (errors created with golang.org/x/exp/errors or its fmt
// package), or nil.
func Source(err error) *runtime.Frame {
	var origin *runtime.Frame
	for err != nil {
		f, ok := err.(errors.Formatter)
		if !ok {
			err = errors.Unwrap(err)
			continue
		}
		fp := &framePrinter{}
		next := f.FormatError(fp)
		if fp.Function != "" && fp.File != "" {
			frame := fp.Frame
			origin = &frame
		}
		err = next
	}
	return origin
}

type framePrinter struct {
	runtime.Frame
}

func (p *framePrinter) Print(args ...interface{}) {}

func (p *framePrinter) Printf(format string, args ...interface{}) {
	if format == "%s\n    " && len(args) == 1 {
		if f, ok := args[0].(string); ok {
			p.Function = f
		}
	}
	if format == "%s:%d\n" && len(args) == 2 {
		if file, ok := args[0].(string); ok {
			p.File = file
		}
		if line, ok := args[1].(int); ok {
			p.Line = line
		}
	}
}

func (*framePrinter) Detail() bool {
	return true
}
