package engine

import (
	"bytes"
	"io"
	"os"
)

// tailSize is how much of the log end is inspected
const tailSize = 64 * 1024

// LastLine returns the last non empty line of the file at path. Missing,
// unreadable or empty files give an empty string.
func LastLine(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return ""
	}

	offset := max(info.Size()-tailSize, 0)
	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return ""
	}
	buf = buf[:n]

	for len(buf) > 0 {
		buf = bytes.TrimRight(buf, "\r\n")
		i := bytes.LastIndexByte(buf, '\n')
		line := bytes.TrimSpace(buf[i+1:])
		if len(line) > 0 {
			return string(line)
		}
		if i < 0 {
			break
		}
		buf = buf[:i]
	}
	return ""
}
