package perception

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// ProcessConfig describes the detector subprocess.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the server environment
	Codec   Codec
}

// ProcessSource runs the detector as a child process and reads its stdout.
// Only the newest measurement is kept; the engine never works on a backlog.
type ProcessSource struct {
	cfg    ProcessConfig
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stream *StreamSource
	log    logger.Module

	exited  chan struct{}
	mu      sync.Mutex
	exitErr error
	closing bool
}

// StartProcess spawns the detector. The process is killed when ctx is
// cancelled or Close is called.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessSource, error) {
	if cfg.Command == "" {
		return nil, errors.New("perception command is empty")
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecJSONL
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start perception process: %w", err)
	}

	stream, err := NewStreamSource(stdout, cfg.Codec, StreamOptions{LatestOnly: true})
	if err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, err
	}

	p := &ProcessSource{
		cfg:    cfg,
		cmd:    cmd,
		cancel: cancel,
		stream: stream,
		log:    logger.Named("Perception"),
		exited: make(chan struct{}),
	}
	p.log.Info("Started %s (pid=%d, codec=%s)", cfg.Command, cmd.Process.Pid, cfg.Codec)

	stderrDone := make(chan struct{})
	go p.logStderr(stderr, stderrDone)
	go p.waitProcess(stderrDone)
	return p, nil
}

// logStderr forwards the detector's log lines at a matching level.
func (p *ProcessSource) logStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			p.log.Error("%s", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			p.log.Warn("%s", line)
		default:
			p.log.Debug("%s", line)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.log.Debug("stderr read ended: %v", err)
	}
}

// waitProcess reaps the child once both pipes are drained.
func (p *ProcessSource) waitProcess(stderrDone <-chan struct{}) {
	<-p.stream.Finished()
	<-stderrDone
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	closing := p.closing
	p.mu.Unlock()

	switch {
	case closing:
		p.log.Debug("Process exited (shutdown)")
	case err != nil:
		p.log.Error("Process exited unexpectedly: %v", err)
	default:
		p.log.Info("Process exited cleanly")
	}
	close(p.exited)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Next returns the newest measurement. When the process has exited and its
// output is drained, the exit status is reported (io.EOF for a clean exit).
func (p *ProcessSource) Next(ctx context.Context) (types.Measurement, error) {
	m, err := p.stream.Next(ctx)
	if err == nil || !errors.Is(err, io.EOF) {
		return m, err
	}

	select {
	case <-p.exited:
	case <-ctx.Done():
		return types.Measurement{}, ctx.Err()
	}
	if exitErr := p.ExitErr(); exitErr != nil {
		return types.Measurement{}, fmt.Errorf("perception process exited: %w", exitErr)
	}
	return types.Measurement{}, io.EOF
}

// ExitErr returns the wait error once the process has exited.
func (p *ProcessSource) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stats returns stdout record counters.
func (p *ProcessSource) Stats() Stats {
	return p.stream.Stats()
}

// Close kills the process and waits for it to be reaped.
func (p *ProcessSource) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.cancel()
	err := p.stream.Close()
	<-p.exited
	return err
}
