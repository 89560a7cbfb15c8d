// Package power builds and runs the host's shutdown commands. Actions are
// always proposed and confirmed elsewhere before Execute runs anything.
package power

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Supported actions.
const (
	ActionShutdown = "shutdown"
	ActionRestart  = "restart"
	ActionCancel   = "cancel"
)

// ErrUnknownAction is returned for an action outside the supported set.
var ErrUnknownAction = errors.New("unknown power action")

// Command returns the argv for an action on the current OS. delaySeconds is
// rounded up to whole minutes on unix, where shutdown takes minutes.
func Command(action string, delaySeconds int, force bool) ([]string, error) {
	return commandFor(runtime.GOOS, action, delaySeconds, force)
}

func commandFor(goos, action string, delaySeconds int, force bool) ([]string, error) {
	if delaySeconds < 0 {
		delaySeconds = 0
	}

	if goos == "windows" {
		switch action {
		case ActionShutdown, ActionRestart:
			flag := "/s"
			if action == ActionRestart {
				flag = "/r"
			}
			argv := []string{"shutdown", flag, "/t", strconv.Itoa(delaySeconds)}
			if force {
				argv = append(argv, "/f")
			}
			return argv, nil
		case ActionCancel:
			return []string{"shutdown", "/a"}, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
		}
	}

	switch action {
	case ActionShutdown, ActionRestart:
		flag := "-h"
		if action == ActionRestart {
			flag = "-r"
		}
		when := "now"
		if delaySeconds > 0 {
			minutes := (delaySeconds + 59) / 60
			when = "+" + strconv.Itoa(minutes)
		}
		return []string{"shutdown", flag, when}, nil
	case ActionCancel:
		return []string{"shutdown", "-c"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Execute runs the action and returns a short human-readable result. It is
// the production PowerFunc.
func Execute(action string, delaySeconds int, force bool) (string, error) {
	argv, err := Command(action, delaySeconds, force)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w (%s)", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}

	switch action {
	case ActionCancel:
		return "Scheduled power action cancelled.", nil
	case ActionRestart:
		return fmt.Sprintf("Restart scheduled (%s).", strings.Join(argv, " ")), nil
	default:
		return fmt.Sprintf("Shutdown scheduled (%s).", strings.Join(argv, " ")), nil
	}
}
