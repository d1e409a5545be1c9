package model

import (
	"sort"
	"time"
)

// ProcessState is the lifecycle state of a tracked process.
type ProcessState string

const (
	StateTracked  ProcessState = "tracked"
	StateActive   ProcessState = "active"
	StateExited   ProcessState = "exited"
	StateOrphaned ProcessState = "orphaned"
	StateError    ProcessState = "error"
)

// ToolType is the AI command-line tool family a process belongs to.
type ToolType string

const (
	ToolUnknown ToolType = "unknown"
	ToolClaude  ToolType = "claude"
	ToolCodex   ToolType = "codex"
	ToolGemini  ToolType = "gemini"
	ToolOther   ToolType = "other"
)

// PerfSnapshot is a best-effort resource usage sample.
type PerfSnapshot struct {
	MemoryBytes uint64    `json:"memory_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
	Threads     int       `json:"threads"`
	Handles     int       `json:"handles"`
	SampledAt   time.Time `json:"sampled_at"`
}

// ProcessRecord is one tracked OS process.
//
// StartToken is the kernel start time of the process in clock ticks since
// boot. Together with PID it identifies one process incarnation; a reused
// PID carries a different token.
type ProcessRecord struct {
	PID            int           `json:"pid"`
	Name           string        `json:"name"`
	FullPath       string        `json:"full_path,omitempty"`
	ParentPID      int           `json:"parent_pid,omitempty"` // 0 = unknown
	State          ProcessState  `json:"state"`
	StartTime      time.Time     `json:"start_time"`
	StartToken     uint64        `json:"start_token,omitempty"`
	ExitTime       *time.Time    `json:"exit_time,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	IsAbnormalExit bool          `json:"is_abnormal_exit"`
	ExitReason     string        `json:"exit_reason,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	ToolType       ToolType      `json:"tool_type"`
	Perf           *PerfSnapshot `json:"perf,omitempty"`
}

// Terminal reports whether the record has reached a state it never leaves.
func (r *ProcessRecord) Terminal() bool {
	return r.State == StateExited || r.ExitTime != nil
}

// Clone returns a deep copy safe to hand to callers.
func (r *ProcessRecord) Clone() ProcessRecord {
	c := *r
	if r.ExitTime != nil {
		t := *r.ExitTime
		c.ExitTime = &t
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Perf != nil {
		p := *r.Perf
		c.Perf = &p
	}
	return c
}

// HasTag reports whether tag is set on the record.
func (r *ProcessRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags merges tags into the record, keeping them sorted and unique.
func (r *ProcessRecord) AddTags(tags ...string) {
	for _, t := range tags {
		if t == "" || r.HasTag(t) {
			continue
		}
		r.Tags = append(r.Tags, t)
	}
	sort.Strings(r.Tags)
}

// ProcessNode is a read-only view of one process tree node.
type ProcessNode struct {
	Record   ProcessRecord `json:"record"`
	Parent   int           `json:"parent,omitempty"` // 0 = root
	Children []int         `json:"children,omitempty"`
}
