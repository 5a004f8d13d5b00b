package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

// shellInterpreters is the basename deny-list: a configured command must
// never resolve to one of these, per spec.md §4.2.
var shellInterpreters = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {},
	"cmd": {}, "powershell": {}, "pwsh": {},
}

// shellMetacharacters must not appear in any argument.
const shellMetacharacters = ";|&$`(){}<>\n"

// ValidateStdioCommand rejects shell interpreters by basename and any
// argument containing a shell metacharacter. Unlike a generic launcher,
// MCP Guard never wraps the command in a login shell: the configured
// command and argv are executed directly.
func ValidateStdioCommand(command string, args []string) error {
	if command == "" {
		return errors.New("stdio: command must not be empty")
	}
	base := filepath.Base(command)
	if _, blocked := shellInterpreters[base]; blocked {
		return fmt.Errorf("stdio: command %q resolves to a shell interpreter", command)
	}
	for _, a := range args {
		if strings.ContainsAny(a, shellMetacharacters) {
			return fmt.Errorf("stdio: argument %q contains a shell metacharacter", a)
		}
	}
	return nil
}

// StdioConfig configures a stdio adapter.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string

	OutboundBuffer int // default 64
	InboundBuffer  int // default 64
}

// StdioTransport spawns a child process and exchanges newline-delimited
// JSON-RPC messages over its stdin/stdout.
type StdioTransport struct {
	log *zap.Logger

	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdinC chan *message.Message
	inC    chan *message.Message
	errC   chan error

	exited atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewStdioTransport validates cfg, spawns the child, and starts the
// writer/reader goroutines. The caller must call Close to release
// resources.
func NewStdioTransport(ctx context.Context, cfg StdioConfig, log *zap.Logger) (*StdioTransport, error) {
	if err := ValidateStdioCommand(cfg.Command, cfg.Args); err != nil {
		return nil, err
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 64
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdio: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("stdio: start: %w", err)
	}

	t := &StdioTransport{
		log:    log,
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdinPipe),
		stdinC: make(chan *message.Message, cfg.OutboundBuffer),
		inC:    make(chan *message.Message, cfg.InboundBuffer),
		errC:   make(chan error, 1),
		cancel: cancel,
	}

	go t.writeLoop()
	go t.readLoop(stdoutPipe)
	go t.waitLoop()

	return t, nil
}

func (t *StdioTransport) writeLoop() {
	for msg := range t.stdinC {
		data, err := msg.Marshal()
		if err != nil {
			t.log.Warn("stdio: failed to marshal outbound message", zap.Error(err))
			continue
		}
		if _, err := t.stdin.Write(append(data, '\n')); err != nil {
			t.log.Warn("stdio: write failed, child likely exited", zap.Error(err))
			return
		}
		if err := t.stdin.Flush(); err != nil {
			t.log.Warn("stdio: flush failed", zap.Error(err))
			return
		}
	}
}

func (t *StdioTransport) readLoop(r io.Reader) {
	defer close(t.inC)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := message.Unmarshal(line)
		if err != nil {
			t.log.Warn("stdio: dropping malformed line", zap.Error(err))
			continue
		}
		t.inC <- msg
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("stdio: scanner error", zap.Error(err))
	}
}

func (t *StdioTransport) waitLoop() {
	err := t.cmd.Wait()
	t.exited.Store(true)
	if err != nil {
		t.log.Info("stdio: child exited", zap.Error(err))
	} else {
		t.log.Info("stdio: child exited cleanly")
	}
}

func (t *StdioTransport) Send(ctx context.Context, _ string, msg *message.Message) error {
	select {
	case t.stdinC <- msg:
		return nil
	case <-ctx.Done():
		return &Error{Kind: ErrTimeout, Cause: ctx.Err()}
	}
}

// Receive returns the next message the child writes to stdout. Unlike
// HTTP/SSE, stdio delivery is a single FIFO shared by every concurrent
// caller of this route; id is accepted for interface parity but not used
// to correlate, matching the teacher's one-process-per-route assumption.
func (t *StdioTransport) Receive(ctx context.Context, _ string, _ message.ID) (*message.Message, error) {
	select {
	case msg, ok := <-t.inC:
		if !ok {
			return nil, &Error{Kind: ErrConnectionClosed, Message: "stdio child closed stdout"}
		}
		return msg, nil
	case <-ctx.Done():
		return nil, &Error{Kind: ErrTimeout, Cause: ctx.Err()}
	}
}

func (t *StdioTransport) IsHealthy() bool {
	return !t.exited.Load()
}

// Close signals the child to terminate and releases stdio handles so the
// writer/reader goroutines exit.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stdinC)
		if t.cmd.Process != nil {
			err = t.cmd.Process.Kill()
		}
		t.cancel()
	})
	return err
}
