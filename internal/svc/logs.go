package svc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs streams the service logs to stdout with the platform's log tool.
func ViewLogs(goos string, opts LogOptions) error {
	cmd, err := logCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func logCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes the service output to these files.
		out := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
		errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)
		args := []string{"-n", lines, errLog, out}
		if opts.Follow {
			args = []string{"-f", errLog, out}
		}
		return exec.Command("tail", args...), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s; check the system event log for %q", goos, opts.ServiceName)
	}
}
