// Package command adapts external programs to the speech interfaces, so any wake-word
// engine, recognizer or synthesizer with a command-line front end can be plugged in.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loracle-dev/loracle/pkg/speech"
)

const (
	DefaultRestartDelay   = 2 * time.Second
	DefaultCaptureTimeout = 15 * time.Second

	// TextPlaceholder in speaker arguments is replaced with the text to speak.
	// Without it the text is written to the program's stdin.
	TextPlaceholder = "{text}"
)

func command(ctx context.Context, args []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, errors.New("no command configured")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	// Children that inherit our pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second
	return cmd, nil
}

// WakeDetector runs a long-lived program and treats every non-empty stdout line as one detection.
// The program is restarted after RestartDelay if it exits while the detector is running.
type WakeDetector struct {
	Args         []string
	RestartDelay time.Duration
}

var _ speech.WakeDetector = (*WakeDetector)(nil)

func (d *WakeDetector) Name() string {
	if len(d.Args) == 0 {
		return "command"
	}
	return d.Args[0]
}

func (d *WakeDetector) Run(ctx context.Context, onTrigger func()) error {
	delay := d.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}

	for {
		err := d.runOnce(ctx, onTrigger)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Wake detector exited, restarting", "detector", d.Name(), "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (d *WakeDetector) runOnce(ctx context.Context, onTrigger func()) error {
	cmd, err := command(ctx, d.Args)
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", d.Name(), err)
	}
	slog.Info("Wake detector started", "detector", d.Name(), "pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		slog.Debug("Wake word detected", "detector", d.Name(), "line", line)
		onTrigger()
	}
	return cmd.Wait()
}

// Recognizer runs a program once per capture and uses its trimmed stdout as the transcript.
type Recognizer struct {
	Args    []string
	Timeout time.Duration
}

var _ speech.Recognizer = (*Recognizer)(nil)

func (r *Recognizer) Capture(ctx context.Context) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := command(ctx, r.Args)
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("capture: %w", ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("capture: %w: %s", err, msg)
		}
		return "", fmt.Errorf("capture: %w", err)
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", speech.ErrNoSpeech
	}
	return text, nil
}

// Speaker runs a program per utterance. A new utterance kills the one in progress.
type Speaker struct {
	Args []string

	mu     sync.Mutex
	cur    *utterance
	closed bool
}

var _ speech.Speaker = (*Speaker)(nil)

type utterance struct {
	cancel    context.CancelFunc
	preempted bool
}

func (s *Speaker) args(text string) ([]string, bool) {
	out := make([]string, len(s.Args))
	substituted := false
	for i, a := range s.Args {
		if strings.Contains(a, TextPlaceholder) {
			a = strings.ReplaceAll(a, TextPlaceholder, text)
			substituted = true
		}
		out[i] = a
	}
	return out, substituted
}

func (s *Speaker) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args, substituted := s.args(text)
	cmd, err := command(ctx, args)
	if err != nil {
		return err
	}
	if !substituted {
		cmd.Stdin = strings.NewReader(text)
	}

	u := &utterance{cancel: cancel}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return speech.ErrShutdown
	}
	if s.cur != nil {
		s.cur.preempted = true
		s.cur.cancel()
	}
	s.cur = u
	s.mu.Unlock()

	err = cmd.Run()

	s.mu.Lock()
	if s.cur == u {
		s.cur = nil
	}
	preempted := u.preempted
	s.mu.Unlock()

	if preempted || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

func (s *Speaker) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cur != nil {
		s.cur.preempted = true
		s.cur.cancel()
		s.cur = nil
	}
	return nil
}
