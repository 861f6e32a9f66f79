// Package body buffers the message body of a transaction. Small bodies stay in memory,
// bigger ones get spooled to a temporary file.
package body

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
)

// ErrClosed is returned by operations on a closed Buffer.
var ErrClosed = errors.New("body: buffer closed")

// New creates a Buffer that keeps up to maxMem bytes in memory.
// When more data gets written the content moves into a temporary file.
//
// If maxMem is less than 1 a temporary file gets always used.
func New(maxMem int) *Buffer {
	return &Buffer{maxMem: maxMem}
}

// Buffer is an append-only store for body chunks.
type Buffer struct {
	maxMem int
	mem    bytes.Buffer
	file   *os.File
	size   int64
	closed bool
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.file == nil && b.mem.Len()+len(p) > b.maxMem {
		if err := b.spool(); err != nil {
			return 0, err
		}
	}
	var n int
	var err error
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

func (b *Buffer) spool() error {
	f, err := os.CreateTemp("", "disclaimr-body-*")
	if err != nil {
		return err
	}
	if _, err := b.mem.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	b.file = f
	b.mem = bytes.Buffer{}
	return nil
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 {
	return b.size
}

// Spooled reports whether the content lives in a temporary file.
func (b *Buffer) Spooled() bool {
	return b.file != nil
}

// Reader returns a reader over the whole content.
// The reader is only valid until the next Write or Close.
func (b *Buffer) Reader() (io.Reader, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.file == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	return bufio.NewReader(io.NewSectionReader(b.file, 0, b.size)), nil
}

// Bytes returns the whole content.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.file == nil {
		return b.mem.Bytes(), nil
	}
	data := make([]byte, b.size)
	if _, err := b.file.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// Close releases the buffer. A temporary file gets removed.
// Calling Close more than once is a no-op.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = bytes.Buffer{}
	if b.file == nil {
		return nil
	}
	err1 := b.file.Close()
	err2 := os.Remove(b.file.Name())
	if err1 != nil {
		return err1
	}
	if os.IsNotExist(err2) {
		err2 = nil
	}
	return err2
}
