package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
)

const readChunkSize = 4096

var (
	recordSeparator = []byte("\n\n")
	crlf            = []byte("\r\n")
	lf              = []byte("\n")
	dataField       = []byte("data:")
)

// Decoder turns an SSE byte stream into events. Incoming chunks are appended
// to a private buffer; only records terminated by a blank line are parsed and
// the trailing fragment is kept for the next chunk.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf    []byte
	done   bool
	logger *slog.Logger
}

// NewDecoder creates a decoder. A nil logger falls back to slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// buffered returns the number of bytes held for an incomplete record.
func (d *Decoder) buffered() int {
	return len(d.buf)
}

// Feed appends chunk to the buffer and returns the events of every record
// completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	// A lone trailing "\r" stays in the buffer until its "\n" arrives.
	d.buf = bytes.ReplaceAll(d.buf, crlf, lf)

	var events []Event
	for !d.done {
		idx := bytes.Index(d.buf, recordSeparator)
		if idx < 0 {
			break
		}
		record := d.buf[:idx]
		if ev, ok := d.decodeRecord(record); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[idx+len(recordSeparator):]
	}
	if d.done {
		d.buf = nil
	} else if len(d.buf) == 0 {
		d.buf = nil
	} else {
		// Detach the fragment from the consumed prefix.
		d.buf = append([]byte(nil), d.buf...)
	}
	return events
}

// Flush decodes whatever is left in the buffer as a final record. It is
// called once the underlying stream has closed; servers are not required to
// terminate the last record with a blank line.
func (d *Decoder) Flush() []Event {
	if d.done || len(bytes.TrimSpace(d.buf)) == 0 {
		d.buf = nil
		return nil
	}
	record := bytes.TrimRight(d.buf, "\r\n")
	d.buf = nil
	if ev, ok := d.decodeRecord(record); ok {
		return []Event{ev}
	}
	return nil
}

func (d *Decoder) decodeRecord(record []byte) (Event, bool) {
	payload, ok := recordData(record)
	if !ok {
		return Event{}, false
	}
	if string(bytes.TrimSpace(payload)) == DoneSentinel {
		d.done = true
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.Warn("Skipping malformed stream record", "error", err, "payload_len", len(payload))
		return Event{}, false
	}
	if !ev.Type.Known() {
		d.logger.Debug("Ignoring unknown stream event type", "type", ev.Type)
		return Event{}, false
	}
	return ev, true
}

// recordData joins the data lines of a record. Comment lines and other SSE
// fields (event, id, retry) are ignored.
func recordData(record []byte) ([]byte, bool) {
	var (
		data  []byte
		found bool
	)
	for _, line := range bytes.Split(record, lf) {
		if !bytes.HasPrefix(line, dataField) {
			continue
		}
		value := bytes.TrimPrefix(line[len(dataField):], []byte(" "))
		if found {
			data = append(data, '\n')
		}
		data = append(data, value...)
		found = true
	}
	return data, found
}

// Decode reads r to completion and yields its events. A read failure other
// than io.EOF yields a single error event and ends the sequence.
func Decode(r io.Reader, logger *slog.Logger) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		d := NewDecoder(logger)
		if err := pump(r, d, yield); err != nil {
			yield(Error("stream read failed: " + err.Error()))
		}
	}
}

// pump feeds r into d until EOF, the sentinel, or the consumer stops. It
// returns the read error, if any; stopping early is not an error.
func pump(r io.Reader, d *Decoder, yield func(Event) bool) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, ev := range d.Feed(chunk[:n]) {
				if !yield(ev) {
					return nil
				}
			}
			if d.Done() {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range d.Flush() {
				if !yield(ev) {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			if n := d.buffered(); n > 0 {
				d.logger.Debug("stream broke inside a record", "buffered_bytes", n)
			}
			return err
		}
	}
}
