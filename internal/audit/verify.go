package audit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
	// ByType counts verified entries per event type.
	ByType map[string]int `json:"by_type,omitempty"`
}

// chainError is a broken link at a given line.
type chainError struct {
	line int
	msg  string
}

func (e *chainError) Error() string { return e.msg }

// Verify walks the log and checks every entry against its predecessor:
// prev_hash must match the previous line's hash and seq must increase by
// one. It reports the first broken link.
func Verify(path string) VerifyResult {
	want := link{hash: GenesisHash}
	byType := make(map[string]int)
	lines := 0

	err := walk(path, func(n int, line []byte) error {
		lines = n
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return &chainError{n, fmt.Sprintf("parse error: %v", err)}
		}
		if e.EventID == "" || e.Type == "" {
			return &chainError{n, "entry missing event_id or type"}
		}
		if e.PrevHash != want.hash {
			if n == 1 {
				return &chainError{n, fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)}
			}
			return &chainError{n, fmt.Sprintf("hash mismatch: expected %s, got %s", want.hash, e.PrevHash)}
		}
		if e.Seq != want.seq+1 {
			return &chainError{n, fmt.Sprintf("sequence gap: expected %d, got %d", want.seq+1, e.Seq)}
		}
		want = link{hash: HashLine(line), seq: e.Seq}
		byType[e.Type]++
		return nil
	})

	var ce *chainError
	switch {
	case errors.As(err, &ce):
		return VerifyResult{Error: ce.msg, ErrorLine: ce.line}
	case err != nil:
		return VerifyResult{Error: fmt.Sprintf("read: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lines, ByType: byType}
}
