// Package logtail reads and follows instance serial logs: batched
// last-N-lines tailing plus a live follower with rotation detection.
package logtail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// smallFileLimit is the size under which a tail just reads the
	// whole file.
	smallFileLimit = 1 << 20

	// scanChunk is the backwards-scan block size for large files.
	scanChunk = 8192
)

// Tail returns the last n lines of the file plus the total line count.
// Small files are read fully; large files are scanned backwards in
// chunks to find the starting offset, then streamed forward.
func Tail(path string, n int) (lines []string, total int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}

	if info.Size() < smallFileLimit {
		all, err := readLines(f)
		if err != nil {
			return nil, 0, err
		}
		start := len(all) - n
		if start < 0 {
			start = 0
		}
		return all[start:], len(all), nil
	}

	total, err = countLines(f)
	if err != nil {
		return nil, 0, err
	}
	offset, err := tailOffset(f, info.Size(), n)
	if err != nil {
		return nil, 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}
	lines, err = readLines(f)
	if err != nil {
		return nil, 0, err
	}
	return lines, total, nil
}

// tailOffset scans backwards from size in scanChunk blocks until n
// newlines are seen, returning the byte offset the last n lines start
// at (0 when the file has fewer lines).
func tailOffset(f *os.File, size int64, n int) (int64, error) {
	var newlines int
	pos := size
	buf := make([]byte, scanChunk)

	// The trailing newline terminates the last line rather than
	// starting a new one; skip it so it doesn't count.
	if size > 0 {
		if _, err := f.ReadAt(buf[:1], size-1); err == nil && buf[0] == '\n' {
			pos--
		}
	}

	for pos > 0 {
		readSize := int64(scanChunk)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(buf[:readSize], pos); err != nil {
			return 0, fmt.Errorf("scan log file: %w", err)
		}
		for i := readSize - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				newlines++
				if newlines >= n {
					return pos + i + 1, nil
				}
			}
		}
	}
	return 0, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return lines, nil
}

func countLines(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var total int
	buf := make([]byte, scanChunk)
	var lastByte byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			total += bytes.Count(buf[:n], []byte{'\n'})
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count log lines: %w", err)
		}
	}
	// A final unterminated line still counts.
	if lastByte != 0 && lastByte != '\n' {
		total++
	}
	return total, nil
}
