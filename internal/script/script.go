package script

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Spec describes one script to execute. It is immutable once submitted.
type Spec struct {
	// Interpreter is the path of the executable named in the directive line.
	Interpreter string
	// Code is the script body, without the directive line.
	Code string
	// RunAs is the username whose identity the script runs under.
	// Empty means the agent's own identity.
	RunAs string
	// OutputLimit caps captured combined output, in bytes.
	OutputLimit int
	// TimeLimit bounds the execution, zero means unbounded.
	TimeLimit time.Duration
}

// Status tags an Outcome.
type Status int

const (
	// StatusSucceeded means the process exited on its own; the full
	// captured output is available.
	StatusSucceeded Status = iota
	// StatusTimedOut means the process was killed after exceeding its
	// time limit; the output captured so far is available.
	StatusTimedOut
)

// Outcome is the single terminal result of one spawn.
type Outcome struct {
	Status Status
	Output []byte
}

// Error kinds reported in operation results.
const (
	KindIdentityLookupFailure = "IdentityLookupFailure"
	KindUnknownInterpreter    = "UnknownInterpreter"
	KindSpawnFailure          = "SpawnFailure"
)

// Error is a terminal execution failure: the process either never
// spawned or could not be set up.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Describe formats err as "<ErrorKind>: <message>".
func Describe(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Error()
	}
	return fmt.Sprintf("%T: %v", err, err)
}

// FileBody renders the on-disk form of a script: the interpreter
// directive line followed by the code.
func FileBody(interpreter, code string) string {
	return "#!" + interpreter + "\n" + code
}

// SplitBody splits the on-disk form back into interpreter and code.
func SplitBody(body string) (interpreter, code string) {
	after, ok := strings.CutPrefix(body, "#!")
	if !ok {
		return "", body
	}
	interpreter, code, _ = strings.Cut(after, "\n")
	return interpreter, code
}
