// Package agent invokes the conversational runtime for one dispatch
// turn. The gateway talks to it through the Runner interface; the
// default implementation execs an external agent CLI per turn.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// Reply is one payload block produced during a turn. Text may carry
// MEDIA:/FILE: markers; the outbound pipeline extracts those later.
type Reply struct {
	Text      string
	MediaURL  string
	MediaURLs []string
	Files     []string
}

// Request describes one agent turn.
type Request struct {
	SessionKey string
	AgentID    string
	Route      string
	Prompt     string

	// Thinking and Model pass scheduler overrides through to the CLI.
	Thinking string
	Model    string

	// Deliver streams each reply block as it completes. Returning an
	// error stops the turn.
	Deliver func(ctx context.Context, p Reply) error
}

// Result summarizes a finished turn.
type Result struct {
	Delivered int // reply blocks handed to Deliver
}

// Runner runs agent turns. Cancellation flows through ctx.
type Runner interface {
	DispatchReply(ctx context.Context, req Request) (Result, error)
}

// FuncRunner adapts a function to Runner for tests and embedding.
type FuncRunner func(ctx context.Context, req Request) (Result, error)

func (f FuncRunner) DispatchReply(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// CommandRunner execs a configured agent CLI once per turn: prompt on
// stdin, reply blocks on stdout separated by blank lines, diagnostics
// on stderr.
type CommandRunner struct {
	Command string
	Args    []string
}

// NewCommandRunner builds a CommandRunner for the given CLI.
func NewCommandRunner(command string, args ...string) *CommandRunner {
	return &CommandRunner{Command: command, Args: slices.Clone(args)}
}

func (r *CommandRunner) DispatchReply(ctx context.Context, req Request) (Result, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := slices.Clone(r.Args)
	args = append(args, "--session", req.SessionKey)
	if req.Thinking != "" {
		args = append(args, "--thinking", req.Thinking)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(rctx, r.Command, args...)
	prompt := req.Prompt
	if !strings.HasSuffix(prompt, "\n") {
		prompt += "\n"
	}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agent: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("agent: start %s: %w", r.Command, err)
	}
	slog.Debug("agent: turn started", "command", r.Command, "session", req.SessionKey, "pid", cmd.Process.Pid)

	var tail stderrTail
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainStderr(stderr, &tail)
	}()

	res := Result{}
	var deliverErr error
	flush := func(block string) {
		block = strings.TrimRight(block, "\n")
		if block == "" || deliverErr != nil {
			return
		}
		if err := req.Deliver(rctx, Reply{Text: block}); err != nil {
			deliverErr = err
			cancel()
			return
		}
		res.Delivered++
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var block strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush(block.String())
			block.Reset()
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	flush(block.String())

	waitErr := cmd.Wait()
	wg.Wait()

	switch {
	case deliverErr != nil:
		return res, deliverErr
	case ctx.Err() != nil:
		return res, fmt.Errorf("agent: turn aborted: %w", ctx.Err())
	case waitErr != nil:
		if msg := tail.String(); msg != "" {
			return res, fmt.Errorf("agent: %s: %w: %s", r.Command, waitErr, msg)
		}
		return res, fmt.Errorf("agent: %s: %w", r.Command, waitErr)
	}
	return res, nil
}

// stderrTail keeps the last few stderr lines for error reporting.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *stderrTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > 4 {
		t.lines = t.lines[len(t.lines)-4:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}

func drainStderr(r io.Reader, tail *stderrTail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail.add(line)
		slog.Debug("agent: stderr", "line", line)
	}
}
