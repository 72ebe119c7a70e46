package bolt

import (
	"bufio"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/metrics"
	"github.com/orneryd/nornicbolt/pkg/packstream"
	"github.com/orneryd/nornicbolt/pkg/pool"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// MaxChunkSize is the largest chunk body a message is split into.
const MaxChunkSize = 0xFFFF

// chunkWriter frames messages as a sequence of size-prefixed chunks ended
// by a zero-size chunk. Writes are buffered until flush.
type chunkWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newChunkWriter(w io.Writer, size int) *chunkWriter {
	if size <= 0 {
		size = 8192
	}
	return &chunkWriter{w: bufio.NewWriterSize(w, size)}
}

func (c *chunkWriter) writeMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(data) > 0 {
		n := len(data)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		if _, err := c.w.Write([]byte{byte(n >> 8), byte(n)}); err != nil {
			return err
		}
		if _, err := c.w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	_, err := c.w.Write([]byte{0, 0})
	return err
}

func (c *chunkWriter) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Flush()
}

// readMessage reads chunks until the zero-size terminator. A message with no
// chunks at all is a NOOP and is skipped.
func readMessage(r io.Reader, max int) ([]byte, error) {
	var header [2]byte
	var msg []byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}
		size := int(header[0])<<8 | int(header[1])
		if size == 0 {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		if max > 0 && len(msg)+size > max {
			return nil, errors.Errorf("message exceeds %d bytes", max)
		}
		start := len(msg)
		msg = append(msg, make([]byte, size)...)
		if _, err := io.ReadFull(r, msg[start:]); err != nil {
			return nil, err
		}
	}
}

// responseWriter answers one request on a connection. It collects metadata
// until OnFinish and writes records as they are streamed.
type responseWriter struct {
	out     *chunkWriter
	message string
	metrics *metrics.Metrics

	meta    map[string]any
	failure *Neo4jError
	ignored bool
	err     error
}

func newResponseWriter(out *chunkWriter, message string, m *metrics.Metrics) *responseWriter {
	return &responseWriter{out: out, message: message, metrics: m}
}

func (r *responseWriter) OnMetadata(key string, value any) {
	if r.meta == nil {
		r.meta = make(map[string]any)
	}
	r.meta[key] = value
}

func (r *responseWriter) OnRecords(result *kernel.Result, pull bool) error {
	defer result.Close()
	if !pull {
		return nil
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	for {
		record, ok := result.Next()
		if !ok {
			return nil
		}
		// writeMessage copies into the chunk buffer, so buf is reused
		buf.B = appendRecord(buf.B[:0], record)
		if err := r.write(buf.B); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
}

func (r *responseWriter) MarkFailed(err *Neo4jError) { r.failure = err }

func (r *responseWriter) MarkIgnored() { r.ignored = true }

func (r *responseWriter) OnFinish() {
	outcome := "success"
	switch {
	case r.failure != nil:
		outcome = "failure"
		_ = r.write(encodeFailure(r.failure))
	case r.ignored:
		outcome = "ignored"
		_ = r.write(encodeIgnored())
	default:
		_ = r.write(encodeSuccess(r.meta))
	}
	if r.err == nil {
		r.err = r.out.flush()
	}
	r.metrics.MessageProcessed(r.message, outcome)
}

// write keeps the first transport error; later writes are dropped.
func (r *responseWriter) write(data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.err = r.out.writeMessage(data)
	return r.err
}

// Err returns the first write error.
func (r *responseWriter) Err() error { return r.err }

// wireValue converts a record value into its packstream form.
func wireValue(v values.Value) any {
	switch val := v.(type) {
	case kernel.Node:
		return packstream.Structure{Tag: tagNode, Fields: []any{val.ID, labelList(val.Labels), wireMap(val.Properties)}}
	case *kernel.Node:
		return wireValue(*val)
	case kernel.Relationship:
		return packstream.Structure{Tag: tagRelationship, Fields: []any{val.ID, val.Start, val.End, val.Type, wireMap(val.Properties)}}
	case *kernel.Relationship:
		return wireValue(*val)
	case []values.Value:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wireValue(item)
		}
		return out
	case map[string]values.Value:
		return wireMap(val)
	}
	if values.IsNoValue(v) {
		return nil
	}
	return v
}

func wireMap(m map[string]values.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = wireValue(v)
	}
	return out
}

func labelList(labels []string) []any {
	out := make([]any, len(labels))
	for i, l := range labels {
		out[i] = l
	}
	return out
}
