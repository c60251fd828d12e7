package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInternal wraps the invariant violations detected while assembling a
	// unit. Nothing of the unit is published.
	ErrInternal = errors.New("armjit: internal error")
	// ErrUnsupportedOpcode is returned for operations this backend cannot assemble.
	ErrUnsupportedOpcode = errors.New("armjit: unsupported opcode")
	// ErrInvalidConfig is returned when the collaborators needed by a unit
	// or by NewBackend are missing or inconsistent.
	ErrInvalidConfig = errors.New("armjit: invalid configuration")
)

// bugPrefix starts every panic message raised on an invariant violation.
const bugPrefix = "BUG: "

// recoverBug converts a BUG panic into an ErrInternal error stored in err.
// Other panics are propagated.
func recoverBug(err *error) {
	r := recover()
	if r == nil {
		return
	}
	switch v := r.(type) {
	case string:
		if strings.HasPrefix(v, bugPrefix) {
			*err = fmt.Errorf("%w: %s", ErrInternal, strings.TrimPrefix(v, bugPrefix))
			return
		}
	case error:
		if strings.HasPrefix(v.Error(), bugPrefix) {
			*err = fmt.Errorf("%w: %v", ErrInternal, strings.TrimPrefix(v.Error(), bugPrefix))
			return
		}
	}
	panic(r)
}

func bug(format string, args ...interface{}) {
	panic(bugPrefix + fmt.Sprintf(format, args...))
}
