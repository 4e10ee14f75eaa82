// Package fail implements the fatal-vs-recoverable error split described in
// §7 of the storage-engine design: raw device and metadata-corruption
// errors abort the process after a single-line diagnostic, while trie-logic
// and version errors propagate as ordinary Go errors.
//
// The split mirrors the teacher's d package (panic-based control flow with
// a typed recover boundary) rather than Go's usual "just return an error"
// idiom, because several call sites in pool and ioexec genuinely have no
// sensible error return: a corrupt metadata mirror or an EIO on a device
// footer is a programmer/operator event, not a condition the immediate
// caller can recover from.
package fail

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal wraps err with context and panics. Only the top-level recover
// installed by cmd/mptctl's run (or a test's require.Fatal-style helper) should catch
// this; everything in between must let it propagate.
func Fatal(err error, context string) {
	if err == nil {
		return
	}
	panic(fatalError{errors.Wrap(err, context)})
}

// Fatalf is Fatal with a formatted context.
func Fatalf(err error, format string, args ...interface{}) {
	Fatal(err, fmt.Sprintf(format, args...))
}

type fatalError struct{ error }

// AsFatal reports whether a recovered panic value originated from Fatal (or
// Fatalf), returning the wrapped error.
func AsFatal(v interface{}) (error, bool) {
	fe, ok := v.(fatalError)
	if !ok {
		return nil, false
	}
	return fe.error, true
}

// PanicIfError panics (non-fatal: a plain error panic, not fatalError) if
// err is non-nil. Used inside recursive algorithms (the update engine's
// descent, the codec) where returning an error through every frame would
// obscure the happy path; Try at the operation boundary turns it back into
// a normal error.
func PanicIfError(err error) {
	if err != nil {
		panic(errors.WithStack(err))
	}
}

// PanicIfTrue panics with a formatted error if cond holds.
func PanicIfTrue(cond bool, format string, args ...interface{}) {
	if cond {
		panic(errors.Errorf(format, args...))
	}
}

// PanicIfFalse panics with a formatted error unless cond holds.
func PanicIfFalse(cond bool, format string, args ...interface{}) {
	PanicIfTrue(!cond, format, args...)
}

// Try runs f and converts any non-fatal panic carrying an error into a
// returned error. A fatalError panic (from Fatal/Fatalf) is re-panicked
// unchanged: Try is a non-fatal-error boundary only.
func Try(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(fatalError); ok {
				panic(r)
			}
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	f()
	return nil
}
