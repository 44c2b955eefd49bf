// Package protocol defines the commands exchanged between the orchestrator
// and compute hosts over the host stream.
//
// Every frame is a CBOR-encoded Command. The command's Payload carries a type
// tag and the CBOR encoding of one of the Body types in this package, so a
// receiver can decode it without knowing in advance what it will get.
package protocol

import "time"

// Command is one unit of traffic on a host stream. A Command with an empty
// SessionID is a host-level control command.
type Command struct {
	Name      string  `cbor:"name"`
	Payload   Payload `cbor:"payload"`
	SessionID string  `cbor:"session_id,omitempty"`
	RequestID string  `cbor:"request_id,omitempty"`
}

// Payload is an opaque encoded Body tagged with its type name.
type Payload struct {
	Type     string `cbor:"type"`
	Encoding string `cbor:"enc,omitempty"` // "" (plain CBOR) or "zstd"
	Data     []byte `cbor:"data,omitempty"`
}

// Command names. The name of a command is the type name of its payload.
const (
	// Host lifecycle
	TypeHostHello      = "host.hello"
	TypeHelloAck       = "host.hello_ack"
	TypeHeartbeat      = "host.heartbeat"
	TypeHeartbeatAck   = "host.heartbeat_ack"
	TypeEnvironment    = "host.environment"
	TypeUpdateRequired = "host.update_required"

	// Session lifecycle
	TypeSessionCreate   = "session.create"
	TypeSessionCreated  = "session.created"
	TypeSessionClaim    = "session.claim"
	TypeSessionClaimed  = "session.claimed"
	TypeSessionClose    = "session.close"
	TypeSessionClosed   = "session.closed"
	TypeSessionTeardown = "session.teardown"
	TypeSessionStats    = "session.stats"
	TypeSessionStatsRes = "session.stats_result"

	// TypeSessionIncoming marks generic session traffic that is routed
	// straight into the session's incoming queue.
	TypeSessionIncoming = "session.incoming"

	// Inference
	TypeInferenceRequest = "inference.request"
	TypeInferenceChunk   = "inference.chunk"

	// Correlation control
	TypeRequestCancel = "request.cancel"
	TypeStreamEnd     = "stream.end"

	// Tool delegation
	TypeToolExecute = "tool.execute"
	TypeToolResult  = "tool.result"
)

// --- Host lifecycle ---

// HostHello is the first frame a host sends after connecting.
type HostHello struct {
	HostID     string `cbor:"host_id"`
	AccessKey  string `cbor:"access_key"`
	AppVersion string `cbor:"app_version,omitempty"`
	Port       int    `cbor:"port,omitempty"`
}

// HelloAck is the orchestrator's answer to HostHello.
type HelloAck struct {
	OK             bool   `cbor:"ok"`
	Error          string `cbor:"error,omitempty"`
	OrchestratorID string `cbor:"orchestrator_id,omitempty"`
}

// Heartbeat is sent periodically by a connected host.
type Heartbeat struct {
	ActiveSessions int       `cbor:"active_sessions"`
	Port           int       `cbor:"port,omitempty"`
	SentAt         time.Time `cbor:"sent_at"`
}

// HeartbeatAck acknowledges a Heartbeat.
type HeartbeatAck struct {
	ReceivedAt time.Time `cbor:"received_at"`
}

// EnvironmentReport describes the host's operating system and software.
type EnvironmentReport struct {
	OSName       string `cbor:"os_name"`
	OSVersion    string `cbor:"os_version,omitempty"`
	AppVersion   string `cbor:"app_version"`
	ReleaseGroup string `cbor:"release_group,omitempty"`
}

// UpdateRequired tells a host to update its software.
type UpdateRequired struct {
	Channel     string `cbor:"channel"`
	Version     string `cbor:"version"`
	DownloadURL string `cbor:"download_url"`
}

// --- Session lifecycle ---

// SessionCreate asks a host to set up a new session.
type SessionCreate struct {
	ClientKey string            `cbor:"client_key"`
	Options   map[string]string `cbor:"options,omitempty"`
}

// SessionCreated is the host's answer to SessionCreate.
type SessionCreated struct {
	OK     bool              `cbor:"ok"`
	Error  string            `cbor:"error,omitempty"`
	Model  string            `cbor:"model,omitempty"`
	Detail map[string]string `cbor:"detail,omitempty"`
}

// SessionClaim hands an existing session over to another client.
type SessionClaim struct {
	ClientKey string `cbor:"client_key"`
}

// SessionClaimed is the host's answer to SessionClaim.
type SessionClaimed struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// SessionClose asks a host to close a session and report the outcome.
type SessionClose struct {
	Reason string `cbor:"reason,omitempty"`
}

// SessionClosed is the host's answer to SessionClose.
type SessionClosed struct {
	OK        bool   `cbor:"ok"`
	Error     string `cbor:"error,omitempty"`
	TokensIn  int64  `cbor:"tokens_in,omitempty"`
	TokensOut int64  `cbor:"tokens_out,omitempty"`
}

// SessionTeardown is a fire-and-forget control command telling the host
// that the orchestrator dropped a session.
type SessionTeardown struct {
	SessionID string `cbor:"session_id"`
	Reason    string `cbor:"reason,omitempty"`
}

// StatsRequest asks for a session's usage counters.
type StatsRequest struct{}

// SessionStats carries a session's usage counters.
type SessionStats struct {
	TokensIn    int64 `cbor:"tokens_in"`
	TokensOut   int64 `cbor:"tokens_out"`
	Requests    int64 `cbor:"requests"`
	UptimeSecs  int64 `cbor:"uptime_secs"`
	ContextSize int   `cbor:"context_size,omitempty"`
}

// --- Inference ---

// InferenceRequest starts a streamed inference on a session.
type InferenceRequest struct {
	Prompt     string            `cbor:"prompt"`
	MaxTokens  int               `cbor:"max_tokens,omitempty"`
	Parameters map[string]string `cbor:"parameters,omitempty"`
}

// InferenceChunk is one streamed piece of an inference result.
type InferenceChunk struct {
	Index        int    `cbor:"index"`
	Text         string `cbor:"text"`
	FinishReason string `cbor:"finish_reason,omitempty"`
}

// --- Correlation control ---

// RequestCancel tells the host that the caller gave up on a request.
type RequestCancel struct {
	RequestID string `cbor:"request_id"`
	Reason    string `cbor:"reason,omitempty"`
}

// StreamEnd terminates a streamed response.
type StreamEnd struct{}

// --- Tool delegation ---

// ToolParameter is a named tool argument.
type ToolParameter struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// ExecuteToolRequest asks a tools-only host to run a tool on behalf of
// another host.
type ExecuteToolRequest struct {
	ToolID           string          `cbor:"tool_id"`
	RequestingHostID string          `cbor:"requesting_host_id"`
	SessionID        string          `cbor:"session_id,omitempty"`
	RequestID        string          `cbor:"request_id,omitempty"`
	Parameters       []ToolParameter `cbor:"parameters,omitempty"`
}

// ExecuteToolResponse is the outcome of a tool execution.
type ExecuteToolResponse struct {
	Success      bool   `cbor:"success"`
	Output       string `cbor:"output,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}
