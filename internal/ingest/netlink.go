package ingest

import (
	"encoding/binary"
	"fmt"
)

// Kernel proc connector ABI (include/uapi/linux/cn_proc.h, connector.h).
const (
	cnIdxProc = 1
	cnValProc = 1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventNone = 0x00000000
	procEventFork = 0x00000001
	procEventExec = 0x00000002
	procEventExit = 0x80000000

	nlmsgHdrLen = 16
	cnMsgLen    = 20
	nlmsgNoop   = 0x1
	nlmsgError  = 0x2
	nlmsgDone   = 0x3
)

// procEvent is one decoded proc connector event. For fork, PID/TGID are
// the child's.
type procEvent struct {
	What       uint32
	PID        int
	TGID       int
	ParentPID  int
	ParentTGID int
	ExitStatus uint32
}

// thread reports whether the event concerns a non-leader thread.
func (e procEvent) thread() bool { return e.PID != e.TGID }

// parseMessages decodes every proc connector event in a netlink datagram.
// Non-proc connector messages are skipped.
func parseMessages(b []byte) ([]procEvent, error) {
	var out []procEvent
	for len(b) >= nlmsgHdrLen {
		msgLen := int(binary.NativeEndian.Uint32(b[0:4]))
		msgType := binary.NativeEndian.Uint16(b[4:6])
		if msgLen < nlmsgHdrLen || msgLen > len(b) {
			return out, fmt.Errorf("netlink message length %d out of range (%d bytes left)", msgLen, len(b))
		}
		payload := b[nlmsgHdrLen:msgLen]
		b = b[align4(msgLen):]

		switch msgType {
		case nlmsgNoop:
			continue
		case nlmsgError:
			return out, fmt.Errorf("netlink error message")
		}

		ev, ok, err := parseConnector(payload)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func parseConnector(p []byte) (procEvent, bool, error) {
	if len(p) < cnMsgLen {
		return procEvent{}, false, fmt.Errorf("short connector message: %d bytes", len(p))
	}
	idx := binary.NativeEndian.Uint32(p[0:4])
	val := binary.NativeEndian.Uint32(p[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return procEvent{}, false, nil
	}
	dataLen := int(binary.NativeEndian.Uint16(p[16:18]))
	data := p[cnMsgLen:]
	if dataLen > len(data) {
		return procEvent{}, false, fmt.Errorf("connector payload length %d exceeds %d", dataLen, len(data))
	}
	return parseProcEvent(data[:dataLen])
}

// parseProcEvent decodes struct proc_event: what, cpu, timestamp_ns, union.
func parseProcEvent(d []byte) (procEvent, bool, error) {
	const unionOff = 16
	if len(d) < unionOff {
		return procEvent{}, false, fmt.Errorf("short proc event: %d bytes", len(d))
	}
	ev := procEvent{What: binary.NativeEndian.Uint32(d[0:4])}
	u := d[unionOff:]
	i32 := func(off int) int { return int(int32(binary.NativeEndian.Uint32(u[off : off+4]))) }

	switch ev.What {
	case procEventFork:
		if len(u) < 16 {
			return ev, false, fmt.Errorf("short fork event")
		}
		ev.ParentPID, ev.ParentTGID = i32(0), i32(4)
		ev.PID, ev.TGID = i32(8), i32(12)
	case procEventExec:
		if len(u) < 8 {
			return ev, false, fmt.Errorf("short exec event")
		}
		ev.PID, ev.TGID = i32(0), i32(4)
	case procEventExit:
		if len(u) < 12 {
			return ev, false, fmt.Errorf("short exit event")
		}
		ev.PID, ev.TGID = i32(0), i32(4)
		ev.ExitStatus = binary.NativeEndian.Uint32(u[8:12])
	default:
		// ack, uid/gid/sid changes, ptrace, comm, coredump
		return ev, false, nil
	}
	return ev, true, nil
}

// subscribeMessage builds the netlink datagram that turns proc event
// multicast on (listen) or off.
func subscribeMessage(listen bool) []byte {
	op := uint32(procCnMcastIgnore)
	if listen {
		op = procCnMcastListen
	}
	total := nlmsgHdrLen + cnMsgLen + 4
	b := make([]byte, total)
	binary.NativeEndian.PutUint32(b[0:4], uint32(total))
	binary.NativeEndian.PutUint16(b[4:6], nlmsgDone)

	cn := b[nlmsgHdrLen:]
	binary.NativeEndian.PutUint32(cn[0:4], cnIdxProc)
	binary.NativeEndian.PutUint32(cn[4:8], cnValProc)
	binary.NativeEndian.PutUint16(cn[16:18], 4)
	binary.NativeEndian.PutUint32(cn[cnMsgLen:], op)
	return b
}

func align4(n int) int { return (n + 3) &^ 3 }
