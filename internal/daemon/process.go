package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// processAlive reports whether pid exists and its command line still
// contains marker. A recycled PID running something else is not alive.
func processAlive(pid int, marker string) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if marker == "" {
		return true
	}
	cmdline, err := commandLine(pid)
	if err != nil {
		// Cannot inspect: trust the signal probe.
		return true
	}
	return strings.Contains(cmdline, marker)
}

// commandLine reads the process command line from /proc, falling back to
// ps where /proc is unavailable. Zombies report an empty command line.
func commandLine(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil {
		return string(bytes.ReplaceAll(bytes.TrimRight(data, "\x00"), []byte{0}, []byte{' '})), nil
	}
	if _, statErr := os.Stat("/proc/self"); statErr == nil {
		// /proc exists but the pid does not.
		return "", nil
	}
	out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", nil
		}
		return "", err
	}
	line := strings.TrimSpace(string(out))
	if strings.Contains(line, "<defunct>") {
		return "", nil
	}
	return line, nil
}

// signalGroup signals the process group led by pid, falling back to the
// single process when it is not a group leader.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
