package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic carried as an error, so a sweep can count
// it against the entity whose work panicked instead of losing the process.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// AsPanicError converts the value returned by recover into a *PanicError.
// It returns nil when r is nil.
//
//	defer func() {
//	    if perr := observability.AsPanicError(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func AsPanicError(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}

// RecoverPanic logs a panic with its stack and swallows it. Call it deferred:
//
//	defer observability.RecoverPanic(logger, "reminder sweep")
func RecoverPanic(logger *Logger, task string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		logger = NewLogger(ErrorLevel, nil)
	}
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(r),
		"stack": string(debug.Stack()),
		"task":  task,
	}).Error("PANIC recovered")
}
