package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Header is the first line of a stream-out file, asciinema v2 compatible.
type Header struct {
	Version   uint32            `json:"version"`
	Width     uint32            `json:"width"`
	Height    uint32            `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type EventType string

const (
	EventOutput EventType = "o"
	EventInput  EventType = "i"
	EventResize EventType = "r"
	EventExit   EventType = "x"
	EventMarker EventType = "m"
)

// Event is one decoded stream line: [elapsed_seconds, type, data].
// For exit events Data is empty and ExitCode carries the numeric payload.
type Event struct {
	Time     float64
	Type     EventType
	Data     string
	ExitCode int
}

const (
	// Incomplete UTF-8 tails are held back this long before being
	// force-flushed so real-time tailers never stall on a split rune.
	utf8FlushDelay = 5 * time.Millisecond

	writeQueueDepth = 256
)

type record struct {
	kind EventType
	data []byte
	code int
}

// StreamWriter appends asciinema events to a stream-out file. All writes are
// funneled through a single goroutine so event order and line framing are
// preserved no matter how many goroutines produce output.
//
// Write or sync failures on the file are sticky: once one occurs, every
// subsequent Write* call and the final Close report it.
type StreamWriter struct {
	file  *os.File
	start time.Time

	queue    chan record
	finished chan struct{}

	mu       sync.Mutex
	closed   bool
	writeErr error
	inflight sync.WaitGroup
}

// NewStreamWriter writes the header line and starts the writer goroutine.
// The writer takes ownership of file.
func NewStreamWriter(file *os.File, header *Header) (*StreamWriter, error) {
	w := &StreamWriter{
		file:     file,
		start:    time.Now(),
		queue:    make(chan record, writeQueueDepth),
		finished: make(chan struct{}),
	}

	if header.Timestamp == 0 {
		header.Timestamp = w.start.Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(file, "%s\n", data); err != nil {
		return nil, fmt.Errorf("failed to write stream header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, err
	}

	go w.run()
	return w, nil
}

// WriteOutput queues a raw PTY output chunk as an "o" event.
func (w *StreamWriter) WriteOutput(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return w.enqueue(record{kind: EventOutput, data: buf})
}

// WriteResize queues an "r" event with "COLSxROWS" payload.
func (w *StreamWriter) WriteResize(cols, rows uint32) error {
	return w.enqueue(record{kind: EventResize, data: []byte(fmt.Sprintf("%dx%d", cols, rows))})
}

// WriteExit queues the final "x" event. Callers should Close afterwards;
// nothing written after an exit event is valid.
func (w *StreamWriter) WriteExit(code int) error {
	return w.enqueue(record{kind: EventExit, code: code})
}

func (w *StreamWriter) enqueue(rec record) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("stream writer closed")
	}
	if err := w.writeErr; err != nil {
		w.mu.Unlock()
		return err
	}
	// The inflight count keeps Close from closing the queue underneath a
	// send that already passed the closed check.
	w.inflight.Add(1)
	w.mu.Unlock()

	w.queue <- rec
	w.inflight.Done()
	return nil
}

// Err returns the first write or sync failure, if any.
func (w *StreamWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

func (w *StreamWriter) setErr(err error) {
	w.mu.Lock()
	if w.writeErr == nil {
		w.writeErr = err
	}
	w.mu.Unlock()
}

// Close drains the queue, flushes any held-back UTF-8 tail and closes the
// file. It reports any write failure recorded during the stream's lifetime.
func (w *StreamWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.inflight.Wait()
	close(w.queue)
	<-w.finished

	err := w.Err()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *StreamWriter) run() {
	defer close(w.finished)

	var carry []byte
	for {
		var flushC <-chan time.Time
		if len(carry) > 0 {
			flushC = time.After(utf8FlushDelay)
		}

		select {
		case rec, ok := <-w.queue:
			if !ok {
				if len(carry) > 0 {
					w.emit(EventOutput, string(carry))
				}
				return
			}
			switch rec.kind {
			case EventOutput:
				buf := append(carry, rec.data...)
				complete, rest := splitCompleteUTF8(buf)
				carry = rest
				if len(complete) > 0 {
					w.emit(EventOutput, string(complete))
				}
			case EventExit:
				if len(carry) > 0 {
					w.emit(EventOutput, string(carry))
					carry = nil
				}
				w.emitExit(rec.code)
			default:
				if len(carry) > 0 {
					w.emit(EventOutput, string(carry))
					carry = nil
				}
				w.emit(rec.kind, string(rec.data))
			}

		case <-flushC:
			w.emit(EventOutput, string(carry))
			carry = nil
		}
	}
}

func (w *StreamWriter) emit(kind EventType, data string) {
	elapsed := time.Since(w.start).Seconds()
	line, err := json.Marshal([]interface{}{elapsed, string(kind), data})
	if err != nil {
		w.setErr(err)
		return
	}
	w.writeLine(line)
}

func (w *StreamWriter) emitExit(code int) {
	elapsed := time.Since(w.start).Seconds()
	line, err := json.Marshal([]interface{}{elapsed, string(EventExit), code})
	if err != nil {
		w.setErr(err)
		return
	}
	w.writeLine(line)
}

func (w *StreamWriter) writeLine(line []byte) {
	if _, err := fmt.Fprintf(w.file, "%s\n", line); err != nil {
		w.setErr(err)
		return
	}
	if err := w.file.Sync(); err != nil {
		w.setErr(err)
	}
}

// splitCompleteUTF8 splits data so that complete never ends mid-rune. At most
// the last three bytes can be held back.
func splitCompleteUTF8(data []byte) (complete, rest []byte) {
	if len(data) == 0 {
		return nil, nil
	}

	boundary := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-4; i-- {
		b := data[i]
		if b&0x80 == 0 {
			break
		}
		if b&0xC0 == 0xC0 { // lead byte
			need := 2
			if b&0xF0 == 0xE0 {
				need = 3
			} else if b&0xF8 == 0xF0 {
				need = 4
			}
			if i+need > len(data) {
				boundary = i
			}
			break
		}
	}
	return data[:boundary], data[boundary:]
}

// ParseHeader decodes a header line.
func ParseHeader(line []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("invalid stream header: %w", err)
	}
	if h.Version == 0 {
		return nil, fmt.Errorf("invalid stream header: missing version")
	}
	return &h, nil
}

// ParseEvent decodes one event line.
func ParseEvent(line []byte) (*Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid event line: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("invalid event line: expected 3 elements, got %d", len(raw))
	}

	ev := &Event{}
	if err := json.Unmarshal(raw[0], &ev.Time); err != nil {
		return nil, fmt.Errorf("invalid event timestamp: %w", err)
	}
	var kind string
	if err := json.Unmarshal(raw[1], &kind); err != nil {
		return nil, fmt.Errorf("invalid event type: %w", err)
	}
	ev.Type = EventType(kind)

	if ev.Type == EventExit {
		// Exit payload is a bare number; tolerate a numeric string too.
		if err := json.Unmarshal(raw[2], &ev.ExitCode); err != nil {
			var s string
			if err2 := json.Unmarshal(raw[2], &s); err2 != nil {
				return nil, fmt.Errorf("invalid exit payload: %w", err)
			}
			fmt.Sscanf(s, "%d", &ev.ExitCode)
		}
		return ev, nil
	}

	if err := json.Unmarshal(raw[2], &ev.Data); err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}
	return ev, nil
}

// ParseResize decodes an "r" payload of the form "COLSxROWS".
func ParseResize(data string) (cols, rows int, err error) {
	parts := strings.SplitN(data, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resize payload %q", data)
	}
	if _, err := fmt.Sscanf(data, "%dx%d", &cols, &rows); err != nil {
		return 0, 0, fmt.Errorf("invalid resize payload %q", data)
	}
	return cols, rows, nil
}

// StreamReader reads a complete (or still-growing) stream file sequentially.
type StreamReader struct {
	scanner    *bufio.Scanner
	header     *Header
	headerRead bool
}

func NewStreamReader(r io.Reader) *StreamReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &StreamReader{scanner: sc}
}

// Header returns the stream header, reading it if necessary.
func (r *StreamReader) Header() (*Header, error) {
	if r.headerRead {
		return r.header, nil
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	h, err := ParseHeader(r.scanner.Bytes())
	if err != nil {
		return nil, err
	}
	r.header = h
	r.headerRead = true
	return h, nil
}

// Next returns the next event, or io.EOF at end of stream.
func (r *StreamReader) Next() (*Event, error) {
	if !r.headerRead {
		if _, err := r.Header(); err != nil {
			return nil, err
		}
	}
	for {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return ParseEvent(line)
	}
}
