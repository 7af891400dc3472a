package pipeline

import (
	"fmt"
	"strings"
)

// Stage errors carry the failing tool's combined output so the operator
// sees it verbatim, plus the underlying error for errors.Is/As chains.

// FetchError reports a source retrieval failure.
type FetchError struct {
	Output string
	Err    error
}

func (e *FetchError) Error() string {
	return stageErrorString("source fetch failed", e.Err, e.Output)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DependencyResolutionError reports an environment setup failure.
type DependencyResolutionError struct {
	Output string
	Err    error
}

func (e *DependencyResolutionError) Error() string {
	return stageErrorString("dependency resolution failed", e.Err, e.Output)
}

func (e *DependencyResolutionError) Unwrap() error { return e.Err }

// BuildError reports a container build failure, including failures of the
// training steps embedded in the build instructions.
type BuildError struct {
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return stageErrorString("image build failed", e.Err, e.Output)
}

func (e *BuildError) Unwrap() error { return e.Err }

// AuthError reports a cloud credential activation or project selection
// failure.
type AuthError struct {
	Output string
	Err    error
}

func (e *AuthError) Error() string {
	return stageErrorString("cloud authentication failed", e.Err, e.Output)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PushError reports a registry publish failure.
type PushError struct {
	Output string
	Err    error
}

func (e *PushError) Error() string {
	return stageErrorString("image push failed", e.Err, e.Output)
}

func (e *PushError) Unwrap() error { return e.Err }

func stageErrorString(msg string, err error, output string) string {
	var b strings.Builder
	b.WriteString(msg)
	if err != nil {
		fmt.Fprintf(&b, ": %v", err)
	}
	if out := strings.TrimSpace(output); out != "" {
		fmt.Fprintf(&b, "\n%s", out)
	}
	return b.String()
}
