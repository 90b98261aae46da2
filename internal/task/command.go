package task

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/joe/transfer-queue/pkg/filesystem"
)

// CommandTransfer runs a shell command next to the data, e.g. a server-side rm -rf.
type CommandTransfer struct {
	core

	runner  filesystem.CommandRunner
	command string

	mu     sync.Mutex
	ran    bool
	output []byte
	err    error
}

// NewCommandTransfer runs command through runner. A nil runner fails with ErrNoRunner.
func NewCommandTransfer(p Params, runner filesystem.CommandRunner, command string) *CommandTransfer {
	p.IsDirectory = false
	c := &CommandTransfer{runner: runner, command: command}
	c.init(p)

	return c
}

// Close is a no-op.
func (c *CommandTransfer) Close() error {
	return nil
}

// Command is the command line.
func (c *CommandTransfer) Command() string {
	return c.command
}

// Output is the combined output of the finished command.
func (c *CommandTransfer) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.output
}

// Size is 1.
func (c *CommandTransfer) Size() int64 {
	return c.unitSize()
}

// Transfer runs the command once.
func (c *CommandTransfer) Transfer(ctx context.Context, _ int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ran {
		if c.err != nil {
			return 0, c.err
		}

		return 0, io.EOF
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.ran = true

	if c.runner == nil {
		c.err = fmt.Errorf("run %q: %w", c.command, ErrNoRunner)
		return 0, c.err
	}

	c.output, c.err = c.runner.Run(ctx, c.command)
	if c.err != nil {
		return 0, c.err
	}

	return c.Size(), io.EOF
}
