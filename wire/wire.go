// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the low-level binary stream primitives used by the
// serialization engine.
//
// All values written to a snapshot stream reduce to five primitives:
//
//   - SmallInt: variable-width non-negative integer (unsigned varint).
//     Used for identity ids, lengths, and small markers.
//   - Bool: a single 0/1 byte.
//   - String: SmallInt length prefix followed by UTF-8 bytes.
//   - Binary: SmallInt length prefix followed by raw bytes.
//   - ClassPath: SmallInt entry count followed by String entries.
//
// The stream is positional: the reader must consume primitives in exactly the
// order the writer produced them. A reader that drifts out of position does
// not necessarily fail immediately; length sanity bounds and marker checks
// exist so that most corruption is detected as ErrCorruptStream rather than
// silently producing a wrong graph.
//
// # Thread Safety
//
// Writer and Reader are NOT safe for concurrent use. One serialization
// session owns its stream exclusively.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for stream-level failures. Both are structural: once
// raised, the stream is assumed positionally corrupt and the whole session
// must fail (there is no per-value recovery at this layer).
var (
	// ErrCorruptStream is returned when a marker byte or declared length is
	// outside its valid range.
	ErrCorruptStream = errors.New("corrupt snapshot stream")

	// ErrTruncated is returned when the stream ends mid-primitive.
	ErrTruncated = errors.New("truncated snapshot stream")
)

// DefaultMaxLength bounds declared String/Binary/ClassPath lengths.
//
// A corrupted length prefix would otherwise cause a multi-gigabyte
// allocation before the decode of the bogus payload fails.
const DefaultMaxLength = 64 << 20 // 64MB

// ClassPath is an ordered sequence of path entries reachable by a module
// scope. Order is significant and preserved across round-trip.
type ClassPath []string

// Equal reports whether two classpaths contain the same entries in the same
// order. A nil and an empty classpath compare equal.
func (c ClassPath) Equal(other ClassPath) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Writer encodes primitives onto an underlying stream.
//
// Writes are buffered; callers must invoke Flush before handing the
// underlying stream to anyone else.
type Writer struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteSmallInt writes an unsigned varint.
func (w *Writer) WriteSmallInt(v uint64) error {
	n := binary.PutUvarint(w.buf[:], v)
	if _, err := w.w.Write(w.buf[:n]); err != nil {
		return fmt.Errorf("write small int: %w", err)
	}
	return nil
}

// WriteBool writes a single 0/1 byte.
func (w *Writer) WriteBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	if err := w.w.WriteByte(b); err != nil {
		return fmt.Errorf("write bool: %w", err)
	}
	return nil
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteSmallInt(uint64(len(s))); err != nil {
		return err
	}
	if _, err := w.w.WriteString(s); err != nil {
		return fmt.Errorf("write string payload: %w", err)
	}
	return nil
}

// WriteBinary writes a length-prefixed byte blob.
func (w *Writer) WriteBinary(b []byte) error {
	if err := w.WriteSmallInt(uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("write binary payload: %w", err)
	}
	return nil
}

// WriteClassPath writes an entry count followed by each entry.
func (w *Writer) WriteClassPath(cp ClassPath) error {
	if err := w.WriteSmallInt(uint64(len(cp))); err != nil {
		return err
	}
	for _, entry := range cp {
		if err := w.WriteString(entry); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes buffered bytes to the underlying stream.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}
	return nil
}

// Reader decodes primitives from an underlying stream.
type Reader struct {
	r         *bufio.Reader
	maxLength uint64
}

// NewReader creates a Reader over r with the default length bound.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxLength: DefaultMaxLength}
}

// SetMaxLength overrides the declared-length sanity bound.
//
// Inputs:
//   - n: Maximum accepted String/Binary payload length. Must be positive.
func (r *Reader) SetMaxLength(n uint64) {
	if n > 0 {
		r.maxLength = n
	}
}

// ReadSmallInt reads an unsigned varint.
func (r *Reader) ReadSmallInt() (uint64, error) {
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		return 0, wrapEOF(err, "read small int")
	}
	return v, nil
}

// ReadBool reads a single byte and requires it to be 0 or 1.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, wrapEOF(err, "read bool")
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool marker 0x%02x", ErrCorruptStream, b)
	}
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.readLengthPrefixed("string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBinary reads a length-prefixed byte blob.
//
// The returned slice is freshly allocated and owned by the caller.
func (r *Reader) ReadBinary() ([]byte, error) {
	return r.readLengthPrefixed("binary")
}

// ReadLength reads a declared element count and enforces the sanity bound.
//
// Inputs:
//   - kind: Names the counted structure in the corruption error.
func (r *Reader) ReadLength(kind string) (uint64, error) {
	n, err := r.ReadSmallInt()
	if err != nil {
		return 0, err
	}
	if n > r.maxLength {
		return 0, fmt.Errorf("%w: %s count %d exceeds bound %d",
			ErrCorruptStream, kind, n, r.maxLength)
	}
	return n, nil
}

// ReadClassPath reads an entry count followed by each entry.
func (r *Reader) ReadClassPath() (ClassPath, error) {
	n, err := r.ReadLength("classpath entry")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	cp := make(ClassPath, 0, n)
	for i := uint64(0); i < n; i++ {
		entry, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		cp = append(cp, entry)
	}
	return cp, nil
}

func (r *Reader) readLengthPrefixed(kind string) ([]byte, error) {
	n, err := r.ReadSmallInt()
	if err != nil {
		return nil, err
	}
	if n > r.maxLength {
		return nil, fmt.Errorf("%w: %s length %d exceeds bound %d",
			ErrCorruptStream, kind, n, r.maxLength)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, wrapEOF(err, "read "+kind+" payload")
	}
	return buf, nil
}

// wrapEOF maps io.EOF / io.ErrUnexpectedEOF onto ErrTruncated so callers can
// classify truncation without inspecting io internals.
func wrapEOF(err error, op string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", op, ErrTruncated)
	}
	return fmt.Errorf("%s: %w", op, err)
}
