package app

import (
	"context"
	"io"
)

// Process is a running shell. The session that spawned it is its only user.
type Process interface {
	// Stdin receives commands, one per line.
	Stdin() io.Writer
	// Output yields stdout and stderr as one stream. It returns io.EOF once the process exits.
	Output() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process.
	Kill() error
}

// Spawner starts shell processes. env is added to the process environment.
type Spawner interface {
	Spawn(ctx context.Context, env map[string]string) (Process, error)
}
