package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrProcessExited = errors.New("engine: process exited")
	ErrTimeout       = errors.New("engine: response timeout")
	ErrNotFound      = errors.New("engine: binary not found")
)

// Channel is a line-oriented conversation with one engine process.
type Channel interface {
	// Send writes one command line.
	Send(line string) error
	// ReadLine returns the next output line, ErrTimeout if none arrives in
	// time, or ErrProcessExited once a dead process has no output left.
	ReadLine(timeout time.Duration) (string, error)
	Alive() bool
	// Close closes stdin and waits up to grace for the process to exit
	// before killing it.
	Close(grace time.Duration) error
	Kill() error
}

// Launcher starts a fresh engine process.
type Launcher func() (Channel, error)

// ProcessLauncher returns a Launcher for the binary at path. A missing binary
// is reported immediately since no restart can fix it.
func ProcessLauncher(path string, args []string, env []string) (Launcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return func() (Channel, error) {
		return StartProcess(path, args, env)
	}, nil
}

// Process wraps an engine subprocess
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	lines  []string
	eof    bool
	notify chan struct{}

	done chan struct{}
}

// StartProcess spawns path with its own process group and begins collecting
// its output. env entries are appended to the current environment.
func StartProcess(path string, args []string, env []string) (*Process, error) {
	cmd := exec.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	configureCommandProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %s: %w", path, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p, nil
}

// readLoop never blocks on the consumer, so the process is always reaped
// once its output ends.
func (p *Process) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lines = append(p.lines, line)
		p.mu.Unlock()
		p.wake()
	}

	_ = p.cmd.Wait()
	// Alive must already be false when a reader sees eof.
	close(p.done)
	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()
	p.wake()
}

func (p *Process) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Process) Send(line string) error {
	if !p.Alive() {
		return ErrProcessExited
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrProcessExited, line, err)
	}
	return nil
}

func (p *Process) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.lines) > 0 {
			line := p.lines[0]
			p.lines = p.lines[1:]
			p.mu.Unlock()
			return line, nil
		}
		eof := p.eof
		p.mu.Unlock()
		if eof {
			return "", ErrProcessExited
		}

		select {
		case <-p.notify:
		case <-timer.C:
			return "", ErrTimeout
		}
	}
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid is the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Close(grace time.Duration) error {
	_ = p.stdin.Close()
	if p.wait(grace) {
		return nil
	}
	return p.Kill()
}

// Kill terminates the process group and waits a bounded time for the exit
// to be observed.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	terminateCommandProcess(p.cmd)
	if !p.wait(5 * time.Second) {
		return fmt.Errorf("engine: process %d still running after kill", p.Pid())
	}
	return nil
}

func (p *Process) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}
