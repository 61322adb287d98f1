package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrFlasherNotOpen = errors.New("tools: flasher not open")
	ErrFlashFailed    = errors.New("tools: flash command failed")
)

type FlasherConfig struct {
	Tool    string
	Args    []string
	Timeout time.Duration
}

// CommandFlasher flashes a target by running an external tool, e.g.
// openocd or a vendor programmer CLI. It satisfies connector.Flasher.
type CommandFlasher struct {
	cfg    FlasherConfig
	runner CommandRunner
	path   string
}

func NewCommandFlasher(cfg FlasherConfig, runner CommandRunner) *CommandFlasher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &CommandFlasher{cfg: cfg, runner: runner}
}

// Open resolves the tool binary.
func (f *CommandFlasher) Open() error {
	path, err := f.runner.LookPath(f.cfg.Tool)
	if err != nil {
		return fmt.Errorf("tools: resolve %q: %w", f.cfg.Tool, err)
	}
	f.path = path
	return nil
}

func (f *CommandFlasher) Flash() error {
	if f.path == "" {
		return ErrFlasherNotOpen
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := f.runner.Run(ctx, f.path, f.cfg.Args...)
	log.Debug().
		Str("tool", f.cfg.Tool).
		Int32("exit_code", code).
		Dur("duration", time.Since(start)).
		Int("stdout_bytes", len(stdout)).
		Msg("flash command finished")
	if err != nil || code != 0 {
		return fmt.Errorf("%w: %s exit=%d: %s", ErrFlashFailed, f.cfg.Tool, code, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (f *CommandFlasher) Close() error {
	f.path = ""
	return nil
}
