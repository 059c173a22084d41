// Package wire defines the framed message protocol spoken between the manager
// and its worker processes.
//
// Every frame is a 4-byte big-endian length followed by a JSON document. The
// parent sends exactly one KindStart frame; the worker answers with any number
// of KindProgress and KindHeartbeat frames and finally one KindResult frame.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single frame body. Larger frames are rejected on
// both sides.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Kind identifies the frame type.
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindProgress
	KindHeartbeat
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindProgress:
		return "progress"
	case KindHeartbeat:
		return "heartbeat"
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Outcome of a KindResult frame.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Failure kinds carried in ErrorInfo.Kind.
const (
	FailureHandler       = "handler"
	FailurePanic         = "panic"
	FailureContract      = "contract"
	FailureCancelled     = "cancelled"
	FailureUnknownTask   = "unknown_task"
	FailureSerialization = "serialization"
)

// ErrorInfo describes a failure inside the worker. Go error identity does not
// survive the process boundary, so only the kind and message travel.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Frame is one protocol message. Fields not relevant to a Kind are omitted.
type Frame struct {
	Kind      Kind            `json:"kind"`
	Task      string          `json:"task,omitempty"`
	Run       string          `json:"run,omitempty"`
	Index     int             `json:"index,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Heartbeat time.Duration   `json:"heartbeat,omitempty"`
	Outcome   Outcome         `json:"outcome,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// Encoder writes frames. It is safe for concurrent use so a heartbeat
// goroutine and the handler can share one stream.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes f as a single length-prefixed frame.
func (e *Encoder) Encode(f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: encode %s frame: %w", f.Kind, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("wire: write %s frame: %w", f.Kind, err)
	}
	return nil
}

// Decoder reads frames written by an Encoder. Not safe for concurrent use.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame. It returns io.EOF only on a clean end of
// stream between frames; a stream cut inside a frame is io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if f.Kind < KindStart || f.Kind > KindResult {
		return Frame{}, fmt.Errorf("wire: unknown frame kind %d", f.Kind)
	}
	return f, nil
}
