package bolt

import (
	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/packstream"
	"github.com/orneryd/nornicbolt/pkg/pool"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// ProtocolVersion is the only Bolt version spoken by the server.
const ProtocolVersion = 1

// Request message signatures.
const (
	MsgInit       byte = 0x01
	MsgAckFailure byte = 0x0E
	MsgReset      byte = 0x0F
	MsgRun        byte = 0x10
	MsgDiscardAll byte = 0x2F
	MsgPullAll    byte = 0x3F
)

// Response message signatures.
const (
	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// Structure tags of graph values in records.
const (
	tagNode         byte = 0x4E
	tagRelationship byte = 0x52
)

// Message is a decoded client request.
type Message interface {
	Signature() byte
	String() string
}

// InitMessage authenticates the connection.
type InitMessage struct {
	UserAgent string
	AuthToken map[string]any
}

// AckFailureMessage acknowledges a failure and keeps any open transaction.
type AckFailureMessage struct{}

// ResetMessage rolls back and returns the connection to READY.
type ResetMessage struct{}

// RunMessage executes a statement.
type RunMessage struct {
	Statement string
	Params    map[string]any
}

// DiscardAllMessage drops the pending result.
type DiscardAllMessage struct{}

// PullAllMessage streams the pending result.
type PullAllMessage struct{}

func (InitMessage) Signature() byte       { return MsgInit }
func (AckFailureMessage) Signature() byte { return MsgAckFailure }
func (ResetMessage) Signature() byte      { return MsgReset }
func (RunMessage) Signature() byte        { return MsgRun }
func (DiscardAllMessage) Signature() byte { return MsgDiscardAll }
func (PullAllMessage) Signature() byte    { return MsgPullAll }

func (InitMessage) String() string       { return "INIT" }
func (AckFailureMessage) String() string { return "ACK_FAILURE" }
func (ResetMessage) String() string      { return "RESET" }
func (RunMessage) String() string        { return "RUN" }
func (DiscardAllMessage) String() string { return "DISCARD_ALL" }
func (PullAllMessage) String() string    { return "PULL_ALL" }

// DecodeMessage decodes one unchunked request.
func DecodeMessage(data []byte) (Message, error) {
	v, err := packstream.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	s, ok := v.(packstream.Structure)
	if !ok {
		return nil, errors.Errorf("message is a %T, not a structure", v)
	}

	switch s.Tag {
	case MsgInit:
		if len(s.Fields) != 2 {
			return nil, fieldCountError(s, 2)
		}
		agent, ok := s.Fields[0].(string)
		if !ok {
			return nil, errors.New("INIT user agent must be a string")
		}
		token, err := mapField(s.Fields[1], "INIT auth token")
		if err != nil {
			return nil, err
		}
		return InitMessage{UserAgent: agent, AuthToken: token}, nil
	case MsgRun:
		if len(s.Fields) != 2 {
			return nil, fieldCountError(s, 2)
		}
		stmt, ok := s.Fields[0].(string)
		if !ok {
			return nil, errors.New("RUN statement must be a string")
		}
		params, err := mapField(s.Fields[1], "RUN parameters")
		if err != nil {
			return nil, err
		}
		return RunMessage{Statement: stmt, Params: params}, nil
	case MsgAckFailure:
		return AckFailureMessage{}, nil
	case MsgReset:
		return ResetMessage{}, nil
	case MsgDiscardAll:
		return DiscardAllMessage{}, nil
	case MsgPullAll:
		return PullAllMessage{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownMessage, "0x%02X", s.Tag)
}

func fieldCountError(s packstream.Structure, want int) error {
	return errors.Errorf("message 0x%02X has %d fields, want %d", s.Tag, len(s.Fields), want)
}

func mapField(v any, what string) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	}
	return nil, errors.Errorf("%s must be a map, got %T", what, v)
}

// EncodeMessage encodes a request. Clients and tests use it.
func EncodeMessage(m Message) []byte {
	var fields []any
	switch msg := m.(type) {
	case InitMessage:
		fields = []any{msg.UserAgent, nonNil(msg.AuthToken)}
	case RunMessage:
		fields = []any{msg.Statement, nonNil(msg.Params)}
	}
	return packstream.AppendStructure(nil, packstream.Structure{Tag: m.Signature(), Fields: fields})
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func encodeSuccess(meta map[string]any) []byte {
	return packstream.AppendStructure(nil, packstream.Structure{Tag: MsgSuccess, Fields: []any{nonNil(meta)}})
}

func encodeFailure(err *Neo4jError) []byte {
	meta := map[string]any{"code": err.Status.Code, "message": err.Message}
	return packstream.AppendStructure(nil, packstream.Structure{Tag: MsgFailure, Fields: []any{meta}})
}

func encodeIgnored() []byte {
	return packstream.AppendStructure(nil, packstream.Structure{Tag: MsgIgnored})
}

func encodeRecord(record []values.Value) []byte {
	return appendRecord(nil, record)
}

// appendRecord appends a RECORD for record to dst.
func appendRecord(dst []byte, record []values.Value) []byte {
	fields := pool.GetFields(len(record))
	defer pool.PutFields(fields)
	for i, v := range record {
		fields[i] = wireValue(v)
	}
	return packstream.AppendStructure(dst, packstream.Structure{Tag: MsgRecord, Fields: []any{fields}})
}
