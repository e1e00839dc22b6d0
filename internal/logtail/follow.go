package logtail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"
)

// Event kinds emitted by a Follower.
const (
	EventInit      = "init"
	EventLog       = "log"
	EventHeartbeat = "heartbeat"
	EventInfo      = "info"
	EventError     = "error"
)

const (
	pollInterval      = 500 * time.Millisecond
	heartbeatInterval = 30 * time.Second
)

// Event is one item of a follow stream. Data is marshaled as the SSE
// data payload by the transport.
type Event struct {
	Kind string
	Data any
}

// EmitFunc delivers one event to the consumer. Returning an error
// (e.g. the client went away) stops the follower.
type EmitFunc func(Event) error

// Follower tails a serial log and streams appended lines as events.
//
// Rotation is detected by two heuristics checked every poll: an inode
// change (rename-style logrotate) and a size below the read cursor
// (copy-then-truncate). On rotation the file is reopened at byte 0 and
// one info event is emitted.
//
// Known limitation: a rotation that deletes the file and recreates it
// after a visible gap is indistinguishable from deletion — the stream
// emits a terminal error event. Only gapless rotations are preserved.
type Follower struct {
	path     string
	instance string
	tail     int
}

// NewFollower creates a follower for one instance's serial log.
func NewFollower(path, instance string, tail int) *Follower {
	return &Follower{path: path, instance: instance, tail: tail}
}

// Run streams events until the context is canceled, the file is
// deleted, or emit returns an error. Within one stream, log events are
// delivered in file order.
func (fw *Follower) Run(ctx context.Context, emit EmitFunc) error {
	if err := emit(Event{Kind: EventInit, Data: map[string]any{
		"type": "init", "instance": fw.instance, "tail": fw.tail,
	}}); err != nil {
		return err
	}

	f, err := os.Open(fw.path)
	if err != nil {
		emit(Event{Kind: EventError, Data: map[string]any{
			"error": fmt.Sprintf("Failed to open log file: %v", err),
		}})
		return nil
	}
	defer func() { f.Close() }()

	// Initial backlog: last N lines, then park the cursor at EOF.
	info, err := f.Stat()
	if err != nil {
		emit(Event{Kind: EventError, Data: map[string]any{
			"error": fmt.Sprintf("Failed to stat log file: %v", err),
		}})
		return nil
	}
	offset, err := tailOffset(f, info.Size(), fw.tail)
	if err == nil {
		if _, err := f.Seek(offset, io.SeekStart); err == nil {
			backlog, err := readLines(f)
			if err == nil {
				for _, line := range backlog {
					if err := emit(Event{Kind: EventLog, Data: map[string]any{"line": line}}); err != nil {
						return err
					}
				}
			}
		}
	}

	cursor, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		emit(Event{Kind: EventError, Data: map[string]any{
			"error": fmt.Sprintf("Failed to seek file: %v", err),
		}})
		return nil
	}

	inode := fileInode(f)
	lastEvent := time.Now()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Since(lastEvent) >= heartbeatInterval {
			if err := emit(Event{Kind: EventHeartbeat, Data: map[string]any{
				"timestamp": time.Now().Unix(),
			}}); err != nil {
				return err
			}
			lastEvent = time.Now()
		}

		if _, err := os.Stat(fw.path); err != nil {
			emit(Event{Kind: EventError, Data: map[string]any{
				"error": "Log file was deleted",
			}})
			return nil
		}

		rotated := false
		if newInode := pathInode(fw.path); inode != 0 && newInode != 0 && newInode != inode {
			rotated = true
			inode = newInode
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err == nil && size < cursor {
			rotated = true
		}

		if rotated {
			nf, err := os.Open(fw.path)
			if err != nil {
				continue
			}
			f.Close()
			f = nf
			cursor = 0
			inode = fileInode(f)
			if err := emit(Event{Kind: EventInfo, Data: map[string]any{
				"message": "Log file rotated, reopened",
			}}); err != nil {
				return err
			}
			lastEvent = time.Now()
			size, _ = f.Seek(0, io.SeekEnd)
		}

		if size <= cursor {
			continue
		}

		// Read the appended region, emitting only newline-terminated
		// records; a partial tail waits for the next poll.
		buf := make([]byte, size-cursor)
		if _, err := f.ReadAt(buf, cursor); err != nil && err != io.EOF {
			continue
		}
		consumed := 0
		for {
			idx := bytes.IndexByte(buf[consumed:], '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(buf[consumed:consumed+idx]), "\r")
			if err := emit(Event{Kind: EventLog, Data: map[string]any{"line": line}}); err != nil {
				return err
			}
			consumed += idx + 1
			lastEvent = time.Now()
		}
		cursor += int64(consumed)
	}
}

func fileInode(f *os.File) uint64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return inodeOf(info)
}

func pathInode(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return inodeOf(info)
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
