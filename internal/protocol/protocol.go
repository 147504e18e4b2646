// Package protocol defines the message envelope exchanged between the host
// and engine worker processes, and the length-prefixed JSON framing used to
// carry it over a pipe. For every request id the worker emits zero or more
// progress responses followed by exactly one complete or error response,
// unless the worker is terminated first.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (256 MiB). Documents
// cross the boundary inline, so frames are sized for large PDFs.
const MaxMessageSize = 256 << 20

// ReadyID is the reserved correlation id used for the worker bring-up
// handshake. The first frame a worker emits is a ready response carrying this
// id; no task traffic is accepted before it.
const ReadyID = "_ready"

// Request type constants.
const (
	TypeInit = "init"
	TypeTask = "task"
)

// Response type constants.
const (
	TypeReady    = "ready"
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Request is the host→worker envelope. Spec describes the task as an
// engine-agnostic invocation: write the input to a scratch file, run the
// engine with the given arguments, read the named outputs back.
type Request struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Spec *ExecSpec `json:"spec,omitempty"`
}

// NamedFile pairs a scratch-relative file name with its contents.
type NamedFile struct {
	Name string `json:"name"`
	Data []byte `json:"data,omitempty"`
}

// ExecSpec is the low-level invocation an engine adapter produced for one
// operation. File names are relative to a per-task scratch directory that
// acts as the engine's virtual filesystem: the worker writes each input file
// there, runs the engine with the given arguments, and reads the named
// outputs back in order.
type ExecSpec struct {
	Argv        []string    `json:"argv"`
	Inputs      []NamedFile `json:"inputs,omitempty"`
	OutputFiles []string    `json:"output_files,omitempty"`
	// OutputGlob collects outputs by pattern when their exact names are not
	// known up front (one-file-per-page engines). Matches sort lexically.
	OutputGlob string `json:"output_glob,omitempty"`
	// CaptureStdout returns the engine's standard output in the result, for
	// query-style invocations that print rather than write files.
	CaptureStdout bool `json:"capture_stdout,omitempty"`
}

// Result is the decoded output of a successful task.
type Result struct {
	Outputs    [][]byte `json:"outputs"`
	Stdout     string   `json:"stdout,omitempty"`
	OutputSize int64    `json:"output_size"`
}

// Response is the worker→host envelope.
type Response struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	Success  bool    `json:"success,omitempty"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Progress int     `json:"progress,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
