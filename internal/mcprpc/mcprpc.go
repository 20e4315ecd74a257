// Package mcprpc implements the line-framed JSON-RPC 2.0 codec used to
// speak to MCP worker processes over stdio, and the pool-unique id
// rewriting used to multiplex many callers across one worker's stdio pipe.
package mcprpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Request is a JSON-RPC 2.0 request/notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Encoder writes newline-framed JSON-RPC messages to an io.Writer (a
// worker's stdin).
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode marshals v and writes it followed by a single newline, flushing
// immediately so the worker sees the request without buffering delay.
func (e *Encoder) Encode(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-framed JSON-RPC messages from an io.Reader (a
// worker's stdout).
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	// A default 64KiB bufio.Scanner line limit is too small for tool
	// results carrying embedded documents; raise it generously.
	s.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Decoder{scanner: s}
}

// Next reads and unmarshals the next line into v. It returns io.EOF when
// the underlying stream is closed.
func (d *Decoder) Next(v interface{}) error {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	return json.Unmarshal(d.scanner.Bytes(), v)
}

// IDRewriter assigns pool-unique JSON-RPC ids so replies from many workers
// sharing one logical stream can be correlated back to their caller's
// original id, per spec §4.8.
type IDRewriter struct{}

// Next returns the next pool-unique id as a JSON-RPC id value.
func (r *IDRewriter) Next() json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%q", uuid.New().String()))
}
