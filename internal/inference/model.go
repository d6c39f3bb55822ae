package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Model turns one JSON input into one JSON output. Implementations are
// expensive to load and are only used from a single worker slot.
type Model interface {
	Infer(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	Close() error
}

// ErrModelGone marks failures talking to a model that can no longer answer,
// such as a process that has exited. The model must be reloaded.
var ErrModelGone = errors.New("model is gone")

// CommandModel is a model served by an external process. Each request is
// one line of JSON on stdin and each reply one line of JSON on stdout.
type CommandModel struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed bool
}

// StartCommand launches argv[0] with the remaining arguments.
func StartCommand(ctx context.Context, argv []string) (*CommandModel, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = log.Ctx(ctx).With().Str("model", argv[0]).Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	log.Ctx(ctx).Info().Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("model started")
	return &CommandModel{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

func (m *CommandModel) Infer(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("model is closed: %w", ErrModelGone)
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	var line bytes.Buffer
	if err := json.Compact(&line, input); err != nil {
		return nil, fmt.Errorf("compact input: %w", err)
	}
	line.WriteByte('\n')

	if _, err := m.stdin.Write(line.Bytes()); err != nil {
		return nil, fmt.Errorf("write request: %w: %w", ErrModelGone, err)
	}

	reply, err := m.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w: %w", ErrModelGone, err)
	}
	reply = bytes.TrimSpace(reply)
	if !json.Valid(reply) {
		return nil, fmt.Errorf("model replied with invalid json: %q", reply)
	}
	return json.RawMessage(reply), nil
}

// Close ends the process by closing its stdin, killing it if it has not
// exited within five seconds.
func (m *CommandModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- m.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("model exited: %w", err)
		}
		return nil
	case <-time.After(5 * time.Second):
		_ = m.cmd.Process.Kill()
		<-done
		return fmt.Errorf("model did not exit, killed")
	}
}
