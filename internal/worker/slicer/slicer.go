// Package slicer runs the external slicing engine.
package slicer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"
	"unicode/utf8"
)

// maxStderr bounds how much of stderr ends up in an error message.
const maxStderr = 512

// Paths are the local files handed to the command template.
type Paths struct {
	Config string
	STL    string
	GCode  string
}

// Config describes how to invoke the engine.
type Config struct {
	// Command is a text/template rendered with Paths, e.g.
	// "CuraEngine slice -j {{quote .Config}} -l {{quote .STL}} -o {{quote .GCode}}".
	// quote single-quotes its argument for the shell.
	Command string
	// Shell interprets the rendered command. Defaults to /bin/sh.
	Shell   string
	Timeout time.Duration
	// Dir is the working directory of the process.
	Dir string
}

// ExitError reports a command that could not run or exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("slicer command failed with exit code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes the rendered command.
type Runner struct {
	tmpl    *template.Template
	shell   string
	timeout time.Duration
	dir     string
	logger  *slog.Logger
}

// New parses the command template.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("slicer command is required")
	}

	tmpl, err := template.New("slicer").
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": shellQuote}).
		Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse slicer command: %w", err)
	}

	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	return &Runner{
		tmpl:    tmpl,
		shell:   shell,
		timeout: cfg.Timeout,
		dir:     cfg.Dir,
		logger:  logger,
	}, nil
}

// Render returns the command line for paths.
func (r *Runner) Render(paths Paths) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, paths); err != nil {
		return "", fmt.Errorf("failed to render slicer command: %w", err)
	}
	return buf.String(), nil
}

// Run executes the engine and returns its standard output.
func (r *Runner) Run(ctx context.Context, paths Paths) (string, error) {
	command, err := r.Render(paths)
	if err != nil {
		return "", err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.dir
	// the engine may fork; kill the whole group on cancel
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.logger.Debug("Starting slicer", slog.String("command", command))

	if err := cmd.Run(); err != nil {
		exitErr := &ExitError{Command: command, ExitCode: -1, Stderr: tail(stderr.String()), Err: err}

		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitErr.ExitCode = ee.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			exitErr.Err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return stdout.String(), exitErr
	}

	r.logger.Debug("Slicer finished",
		slog.Duration("duration", time.Since(start)),
		slog.Int("stdout_bytes", stdout.Len()),
	)
	return stdout.String(), nil
}

// shellQuote makes s a single word for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail keeps the last maxStderr bytes of s without splitting a rune.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	i := len(s) - maxStderr
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
