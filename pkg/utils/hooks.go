package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// hookWaitDelay caps how long a killed hook's children may hold its output open.
const hookWaitDelay = time.Second

// ExecuteHooks runs every *.sh script in dir in lexical order and stops at
// the first failure. A missing dir is not an error. Scripts are killed when
// ctx is done.
func ExecuteHooks(ctx context.Context, dir string, env []string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hooks dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sh") {
			continue
		}

		scriptPath := filepath.Join(dir, entry.Name())
		logger.InfoContext(ctx, "Running hook", "script", entry.Name())

		cmd := exec.CommandContext(ctx, scriptPath)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), env...)
		cmd.WaitDelay = hookWaitDelay

		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			logger.DebugContext(ctx, "Hook output", "script", entry.Name(), "output", strings.TrimSpace(string(out)))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("hook %s aborted: %w", entry.Name(), ctxErr)
		}
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", entry.Name(), err)
		}
	}
	return nil
}
