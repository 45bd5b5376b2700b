package popup

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

const (
	LauncherLog     = "log"
	LauncherCommand = "command"
)

// NewLauncher picks a launcher by name. command may override the OS opener.
func NewLauncher(kind, command string) (Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", LauncherLog:
		return LogLauncher{}, nil
	case LauncherCommand:
		return NewCommandLauncher(command), nil
	default:
		return nil, fmt.Errorf("unknown popup launcher %q (allowed: log, command)", kind)
	}
}

// LogLauncher prints the URL for the user to open.
type LogLauncher struct{}

func (LogLauncher) Launch(_ context.Context, url string) error {
	log.Info("approval required, open in browser", "url", url)
	return nil
}

// CommandLauncher hands the URL to an opener program.
type CommandLauncher struct {
	Command string
	Args    []string
}

func NewCommandLauncher(command string) CommandLauncher {
	if fields := strings.Fields(command); len(fields) > 0 {
		return CommandLauncher{Command: fields[0], Args: fields[1:]}
	}
	switch runtime.GOOS {
	case "darwin":
		return CommandLauncher{Command: "open"}
	case "windows":
		return CommandLauncher{Command: "rundll32", Args: []string{"url.dll,FileProtocolHandler"}}
	default:
		return CommandLauncher{Command: "xdg-open"}
	}
}

func (l CommandLauncher) Launch(_ context.Context, url string) error {
	args := append(append([]string{}, l.Args...), url)
	// The opener outlives the request, so it is not bound to ctx.
	cmd := exec.Command(l.Command, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", l.Command, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn("popup opener exited with error", "command", l.Command, "error", err)
		}
	}()
	return nil
}
