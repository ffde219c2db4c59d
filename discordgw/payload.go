package discordgw

import "encoding/json"

// Gateway opcodes used by this bridge. The protocol defines more; anything
// outside this closed set is ignored by handlePayload.
type opCode int

const (
	opDispatch     opCode = 0
	opHeartbeat    opCode = 1
	opIdentify     opCode = 2
	opHello        opCode = 10
	opHeartbeatAck opCode = 11
)

// payload is the gateway frame envelope. D is decoded per-opcode.
type payload struct {
	Op opCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// outPayload is the sending counterpart; D marshals as-is (null for a
// heartbeat before any sequence has been seen).
type outPayload struct {
	Op opCode `json:"op"`
	D  any    `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Intent bits requested at IDENTIFY: guild messages plus message content.
const identifyIntents = 1<<9 | 1<<15

type readyData struct {
	User      gatewayUser `json:"user"`
	SessionID string      `json:"session_id"`
}

type gatewayUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messageCreateData struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	Author    messageAuthor `json:"author"`
	Content   string        `json:"content"`
	Timestamp string        `json:"timestamp"`
}

type messageAuthor struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
}
