// Package procfs reads process state from a /proc filesystem. Linux-only at
// runtime; the root is configurable so tests can point it at a fixture tree.
package procfs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ppiankov/procwatch/internal/model"
)

// DefaultRoot is the standard procfs mount point.
const DefaultRoot = "/proc"

// ticksPerSecond is USER_HZ, fixed at 100 on every mainstream Linux ABI.
const ticksPerSecond = 100

// pageSize is used to convert rss pages to bytes.
var pageSize = uint64(os.Getpagesize())

// Process is one /proc/<pid> snapshot.
type Process struct {
	PID        int
	PPID       int
	Name       string // comm, at most 15 bytes
	FullPath   string // exe link target, empty if unreadable
	Cmdline    string // argv joined by spaces
	State      byte   // R, S, D, Z, T, ...
	StartTicks uint64 // start time in clock ticks since boot
	StartTime  time.Time
	CPUTicks   uint64 // utime + stime
	RSSBytes   uint64
	Threads    int
	FDs        int // -1 if unreadable
	ExitStatus int // raw wait status, only meaningful for zombies
}

// Zombie reports whether the process has exited but not been reaped.
func (p Process) Zombie() bool { return p.State == 'Z' || p.State == 'X' }

// FS reads processes under Root.
type FS struct {
	Root string

	bootOnce sync.Once
	bootTime time.Time
}

// New returns an FS rooted at root, or DefaultRoot when empty.
func New(root string) *FS {
	if root == "" {
		root = DefaultRoot
	}
	return &FS{Root: root}
}

// Available checks that the procfs root looks like a mounted /proc.
func (f *FS) Available() error {
	if _, err := os.Stat(filepath.Join(f.Root, "stat")); err != nil {
		return fmt.Errorf("procfs at %s: %w", f.Root, model.ErrUnavailable)
	}
	return nil
}

// Lookup reads a single process. Missing processes return ErrNotFound,
// unreadable ones ErrPermissionDenied.
func (f *FS) Lookup(pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, model.NewProcessError("lookup", pid, model.ErrNotFound)
	}
	dir := filepath.Join(f.Root, strconv.Itoa(pid))

	data, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return Process{}, model.NewProcessError("lookup", pid, classifyErr(err))
	}

	p, err := parseStat(string(data))
	if err != nil {
		return Process{}, model.NewProcessError("lookup", pid, fmt.Errorf("%w: %v", model.ErrInternal, err))
	}
	p.StartTime = f.boot().Add(time.Duration(p.StartTicks) * time.Second / ticksPerSecond)

	// Best effort: exe and fd need ptrace access to the target.
	if target, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		p.FullPath = strings.TrimSuffix(target, " (deleted)")
	}
	p.Cmdline = readCmdline(filepath.Join(dir, "cmdline"))
	p.FDs = countFDs(filepath.Join(dir, "fd"))

	return p, nil
}

// List enumerates all numeric entries under Root. Processes that vanish
// mid-enumeration are skipped.
func (f *FS) List() ([]Process, error) {
	entries, err := os.ReadDir(f.Root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Root, classifyErr(err))
	}

	var procs []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		p, err := f.Lookup(pid)
		if err != nil {
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// Children returns the direct children of pid by scanning parent links.
func (f *FS) Children(pid int) ([]Process, error) {
	all, err := f.List()
	if err != nil {
		return nil, err
	}
	var out []Process
	for _, p := range all {
		if p.PPID == pid {
			out = append(out, p)
		}
	}
	return out, nil
}

// parseStat parses /proc/<pid>/stat. comm may contain spaces and parens, so
// the name is taken between the first '(' and the last ')'.
func parseStat(s string) (Process, error) {
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')
	if open < 0 || closing < open {
		return Process{}, fmt.Errorf("malformed stat: %q", truncate(s, 64))
	}

	pid, err := strconv.Atoi(strings.TrimSpace(s[:open]))
	if err != nil {
		return Process{}, fmt.Errorf("malformed pid: %w", err)
	}

	// fields[0] is field 3 (state) in proc(5) numbering.
	fields := strings.Fields(s[closing+1:])
	if len(fields) < 22 {
		return Process{}, fmt.Errorf("short stat: %d fields", len(fields))
	}

	p := Process{
		PID:  pid,
		Name: s[open+1 : closing],
		FDs:  -1,
	}
	if len(fields[0]) > 0 {
		p.State = fields[0][0]
	}
	p.PPID, _ = strconv.Atoi(fields[1])

	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	p.CPUTicks = utime + stime

	p.Threads, _ = strconv.Atoi(fields[17])
	p.StartTicks, _ = strconv.ParseUint(fields[19], 10, 64)

	rss, _ := strconv.ParseInt(fields[21], 10, 64)
	if rss > 0 {
		p.RSSBytes = uint64(rss) * pageSize
	}

	// exit_code (field 52) exists since Linux 3.5.
	if len(fields) >= 50 {
		p.ExitStatus, _ = strconv.Atoi(fields[49])
	}
	return p, nil
}

// DecodeExitStatus splits a raw wait status into exit code and terminating
// signal. signal is 0 for a normal exit.
func DecodeExitStatus(status int) (code int, signal int) {
	signal = status & 0x7f
	if signal != 0 {
		return 128 + signal, signal
	}
	return (status >> 8) & 0xff, 0
}

// boot returns the system boot time from <root>/stat btime.
func (f *FS) boot() time.Time {
	f.bootOnce.Do(func() {
		file, err := os.Open(filepath.Join(f.Root, "stat"))
		if err != nil {
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "btime ") {
				continue
			}
			if secs, err := strconv.ParseInt(strings.TrimSpace(line[6:]), 10, 64); err == nil {
				f.bootTime = time.Unix(secs, 0)
			}
			return
		}
	})
	return f.bootTime
}

// readCmdline reads a NUL-separated cmdline and joins it with spaces.
func readCmdline(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func countFDs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1
	}
	return len(entries)
}

func classifyErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", model.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", model.ErrInternal, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
