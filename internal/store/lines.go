package store

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

const lastLineChunk = 4096

var errEmptyFile = errors.New("file has no content")

// readFirstLine returns the first line of a file without its line break.
func readFirstLine(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}

	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, errEmptyFile
	}

	return line, nil
}

// readLastLine returns the last non-empty line of a file, reading backwards
// from the end in growing chunks.
func readLastLine(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	chunk := int64(lastLineChunk)

	for {
		offset := size - chunk
		if offset < 0 {
			offset = 0
		}

		buf := make([]byte, size-offset)
		if _, err = f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, err
		}

		buf = bytes.TrimRight(buf, "\r\n\t ")
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return bytes.TrimRight(buf[i+1:], "\r"), nil
		}

		if offset == 0 {
			if len(buf) == 0 {
				return nil, errEmptyFile
			}

			return buf, nil
		}

		chunk *= 2
	}
}
