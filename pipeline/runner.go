package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// runCommand executes an external command, blocking until it exits or the
// context deadline passes. Non-zero exit, a missing executable, and a
// timeout are all step failures.
func runCommand(ctx context.Context, log zerolog.Logger, argv []string, dir string) error {
	if len(argv) == 0 {
		return errors.New("no command configured")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("command not found: %w", err)
	}

	log.Info().Str("command", strings.Join(argv, " ")).Str("dir", dir).Msg("running external command")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if out := strings.TrimSpace(stdout.String()); out != "" {
		log.Info().Str("stdout", out).Msg("command output")
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		if err == nil {
			log.Warn().Str("stderr", out).Msg("command stderr")
		} else {
			log.Error().Str("stderr", out).Msg("command stderr")
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("command timed out after %s: %w", dur.Round(time.Millisecond), context.DeadlineExceeded)
	}
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}

	log.Info().Dur("duration", dur).Msg("command succeeded")
	return nil
}
