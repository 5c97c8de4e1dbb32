package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess    = 0 // All examples passed
	ExitTestFailed = 1 // The eval ran and one or more examples failed
	ExitError      = 2 // Configuration or runtime error
)

// TestFailureError indicates that the eval ran to completion, but one or
// more examples failed.
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return e.Message
}

// exitCode maps the error returned by the root command to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var testFailureErr *TestFailureError
	if errors.As(err, &testFailureErr) {
		return ExitTestFailed
	}
	return ExitError
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
