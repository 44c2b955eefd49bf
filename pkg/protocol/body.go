package protocol

import (
	"errors"
	"fmt"
)

// Body is the closed set of payload types carried by a Command. Only the
// pointer types declared in this package implement it.
type Body interface {
	PayloadType() string
	sealed()
}

// ErrUnknownPayload is returned when a payload type tag has no decoder.
var ErrUnknownPayload = errors.New("unknown payload type")

func (*HostHello) PayloadType() string           { return TypeHostHello }
func (*HelloAck) PayloadType() string            { return TypeHelloAck }
func (*Heartbeat) PayloadType() string           { return TypeHeartbeat }
func (*HeartbeatAck) PayloadType() string        { return TypeHeartbeatAck }
func (*EnvironmentReport) PayloadType() string   { return TypeEnvironment }
func (*UpdateRequired) PayloadType() string      { return TypeUpdateRequired }
func (*SessionCreate) PayloadType() string       { return TypeSessionCreate }
func (*SessionCreated) PayloadType() string      { return TypeSessionCreated }
func (*SessionClaim) PayloadType() string        { return TypeSessionClaim }
func (*SessionClaimed) PayloadType() string      { return TypeSessionClaimed }
func (*SessionClose) PayloadType() string        { return TypeSessionClose }
func (*SessionClosed) PayloadType() string       { return TypeSessionClosed }
func (*SessionTeardown) PayloadType() string     { return TypeSessionTeardown }
func (*StatsRequest) PayloadType() string        { return TypeSessionStats }
func (*SessionStats) PayloadType() string        { return TypeSessionStatsRes }
func (*InferenceRequest) PayloadType() string    { return TypeInferenceRequest }
func (*InferenceChunk) PayloadType() string      { return TypeInferenceChunk }
func (*RequestCancel) PayloadType() string       { return TypeRequestCancel }
func (*StreamEnd) PayloadType() string           { return TypeStreamEnd }
func (*ExecuteToolRequest) PayloadType() string  { return TypeToolExecute }
func (*ExecuteToolResponse) PayloadType() string { return TypeToolResult }

func (*HostHello) sealed()           {}
func (*HelloAck) sealed()            {}
func (*Heartbeat) sealed()           {}
func (*HeartbeatAck) sealed()        {}
func (*EnvironmentReport) sealed()   {}
func (*UpdateRequired) sealed()      {}
func (*SessionCreate) sealed()       {}
func (*SessionCreated) sealed()      {}
func (*SessionClaim) sealed()        {}
func (*SessionClaimed) sealed()      {}
func (*SessionClose) sealed()        {}
func (*SessionClosed) sealed()       {}
func (*SessionTeardown) sealed()     {}
func (*StatsRequest) sealed()        {}
func (*SessionStats) sealed()        {}
func (*InferenceRequest) sealed()    {}
func (*InferenceChunk) sealed()      {}
func (*RequestCancel) sealed()       {}
func (*StreamEnd) sealed()           {}
func (*ExecuteToolRequest) sealed()  {}
func (*ExecuteToolResponse) sealed() {}

// decoders maps a payload type tag to a constructor for its Body.
var decoders = map[string]func() Body{
	TypeHostHello:        func() Body { return new(HostHello) },
	TypeHelloAck:         func() Body { return new(HelloAck) },
	TypeHeartbeat:        func() Body { return new(Heartbeat) },
	TypeHeartbeatAck:     func() Body { return new(HeartbeatAck) },
	TypeEnvironment:      func() Body { return new(EnvironmentReport) },
	TypeUpdateRequired:   func() Body { return new(UpdateRequired) },
	TypeSessionCreate:    func() Body { return new(SessionCreate) },
	TypeSessionCreated:   func() Body { return new(SessionCreated) },
	TypeSessionClaim:     func() Body { return new(SessionClaim) },
	TypeSessionClaimed:   func() Body { return new(SessionClaimed) },
	TypeSessionClose:     func() Body { return new(SessionClose) },
	TypeSessionClosed:    func() Body { return new(SessionClosed) },
	TypeSessionTeardown:  func() Body { return new(SessionTeardown) },
	TypeSessionStats:     func() Body { return new(StatsRequest) },
	TypeSessionStatsRes:  func() Body { return new(SessionStats) },
	TypeInferenceRequest: func() Body { return new(InferenceRequest) },
	TypeInferenceChunk:   func() Body { return new(InferenceChunk) },
	TypeRequestCancel:    func() Body { return new(RequestCancel) },
	TypeStreamEnd:        func() Body { return new(StreamEnd) },
	TypeToolExecute:      func() Body { return new(ExecuteToolRequest) },
	TypeToolResult:       func() Body { return new(ExecuteToolResponse) },
}

// Known reports whether typ names a payload type this package can decode.
func Known(typ string) bool {
	_, ok := decoders[typ]
	return ok
}

// NewPayload encodes b into a Payload tagged with its type name.
func NewPayload(b Body) (Payload, error) {
	data, err := Marshal(b)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s: %w", b.PayloadType(), err)
	}
	p := Payload{Type: b.PayloadType(), Data: data}
	if len(data) >= CompressThreshold {
		p.Encoding = EncodingZstd
		p.Data = compress(data)
	}
	return p, nil
}

// Decode decodes a Payload into its Body. A malformed or unknown payload is
// an ordinary error.
func Decode(p Payload) (Body, error) {
	ctor, ok := decoders[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, p.Type)
	}
	data := p.Data
	switch p.Encoding {
	case "":
	case EncodingZstd:
		var err error
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Type, err)
		}
	default:
		return nil, fmt.Errorf("decode %s: unsupported encoding %q", p.Type, p.Encoding)
	}
	b := ctor()
	if len(data) == 0 {
		return b, nil
	}
	if err := Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Type, err)
	}
	return b, nil
}

// NewCommand builds a Command whose name is the body's payload type.
func NewCommand(b Body, sessionID, requestID string) (Command, error) {
	p, err := NewPayload(b)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Name:      b.PayloadType(),
		Payload:   p,
		SessionID: sessionID,
		RequestID: requestID,
	}, nil
}

// MustCommand is like NewCommand but panics if the body cannot be encoded.
// Bodies declared in this package always encode, so it is safe for values
// built by the caller.
func MustCommand(b Body, sessionID, requestID string) Command {
	cmd, err := NewCommand(b, sessionID, requestID)
	if err != nil {
		panic(err)
	}
	return cmd
}
