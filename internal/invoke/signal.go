package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Signal names accepted by kill(1).
const (
	SignalTerm = "TERM"
	SignalKill = "KILL"
)

// Signaler delivers signals to supervised processes and checks whether they are alive.
type Signaler interface {
	// Signal sends sig to pid. The error is non-nil when the signal could not be delivered.
	Signal(ctx context.Context, pid int, sig string, elevated bool) error
	Alive(pid int) bool
}

// KillSignaler sends signals with kill(1) through a Runner so that elevated
// processes can be signalled with the same escalation they were started with.
type KillSignaler struct {
	Runner Runner
}

// Signal runs "kill -<sig> <pid>".
func (s KillSignaler) Signal(ctx context.Context, pid int, sig string, elevated bool) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	_, err := s.Runner.Run(ctx, Command{
		Name:     "kill",
		Args:     []string{"-" + sig, strconv.Itoa(pid)},
		Elevated: elevated,
	})
	return err
}

// Alive reports whether pid exists and is not a zombie. EPERM means the
// process exists but belongs to another user, which is the case for elevated VMs.
func (s KillSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie reads the state field of /proc/<pid>/stat. Where /proc is absent it
// reports false.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The command name is parenthesised and may contain spaces
	stat := string(data)
	if i := strings.LastIndexByte(stat, ')'); i >= 0 {
		stat = stat[i+1:]
	}
	fields := strings.Fields(stat)
	return len(fields) > 0 && fields[0] == "Z"
}
