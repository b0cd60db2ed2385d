package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the wire protocol revision this client speaks.
const ProtocolVersion = 3

const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

const (
	MethodConnect       = "connect"
	MethodTick          = "tick"
	MethodChatSubscribe = "chat.subscribe"
	MethodChatSend      = "chat.send"
)

const (
	EventChallenge  = "connect.challenge"
	EventChat       = "chat"
	EventChatReply  = "chat.reply"
	EventChatStream = "chat.stream"
)

// Frame is the union of the three frame kinds. Requests fill ID, Method and
// Params; responses fill ID, OK, Payload and Error; events fill Event and
// Payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequestError is a response that came back with ok=false.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway %s failed: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s: %s", e.Method, e.Code, e.Message)
}

type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

type AuthParams struct {
	Token string `json:"token,omitempty"`
}

type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        *AuthParams `json:"auth,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
}

type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

type HelloPayload struct {
	Protocol int `json:"protocol"`
	Policy   struct {
		TickIntervalMs int `json:"tickIntervalMs"`
	} `json:"policy"`
}

type ChatSubscribeParams struct {
	SessionKey string `json:"sessionKey"`
}

type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ChatPayload accepts both the flat {role,text} shape and the nested
// message.content[] shape some gateways emit.
type ChatPayload struct {
	Role       string       `json:"role"`
	Text       string       `json:"text"`
	MessageID  string       `json:"messageId"`
	SessionKey string       `json:"sessionKey,omitempty"`
	Message    *chatMessage `json:"message,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p ChatPayload) role() string {
	if p.Role != "" {
		return p.Role
	}
	if p.Message != nil {
		return p.Message.Role
	}
	return ""
}

func (p ChatPayload) text() string {
	if strings.TrimSpace(p.Text) != "" {
		return strings.TrimSpace(p.Text)
	}
	if p.Message == nil {
		return ""
	}
	var parts []string
	for _, c := range p.Message.Content {
		if c.Type != "" && c.Type != "text" {
			continue
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Reply is an assistant message pushed by the gateway. It carries no turn
// id: the orchestrator keeps a single turn outstanding, so the reply
// belongs to whichever send is pending.
type Reply struct {
	Text      string
	MessageID string
	Event     string
}

// replyFromEvent returns the reply carried by a chat-family event, if any.
func replyFromEvent(event string, payload json.RawMessage) (Reply, bool) {
	if event != EventChat && event != EventChatReply {
		return Reply{}, false
	}
	var p ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Reply{}, false
	}
	if p.role() != "assistant" {
		return Reply{}, false
	}
	text := p.text()
	if text == "" {
		return Reply{}, false
	}
	return Reply{Text: text, MessageID: p.MessageID, Event: event}, true
}
