/*
Package presence implements the session reconciliation and message routing engine.

This file defines the wire contract: the closed set of inbound events a client may
send and the outbound events the router emits. Every frame, in both directions, is a
JSON envelope {"event": name, "data": payload}.
*/
package presence

import (
	"bytes"
	"encoding/json"
	"strings"

	"relaychat/internal/app/conversation"
	"relaychat/internal/pkg/errs"
)

// Inbound event names.
const (
	InMessage              = "message"
	InPrivateMessage       = "private message"
	InTyping               = "typing"
	InStoppedTyping        = "stopped typing"
	InPrivateTyping        = "private typing"
	InPrivateStoppedTyping = "private stopped typing"
)

// Outbound event names.
const (
	OutSession                  = "session"
	OutMessages                 = "messages"
	OutUsers                    = "users"
	OutUserConnected            = "user connected"
	OutUserDisconnected         = "user disconnected"
	OutMessage                  = "message"
	OutPrivateMessage           = "private message"
	OutCommand                  = "command"
	OutUserTyping               = "user typing"
	OutUserStoppedTyping        = "user stopped typing"
	OutPrivateUserTyping        = "private user typing"
	OutPrivateUserStoppedTyping = "private user stopped typing"
	OutChatError                = "chat error"
)

// Envelope is the frame layout shared by inbound and outbound traffic.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is one decoded client event. The set of implementations is closed.
type Inbound interface {
	inbound()
}

// BroadcastText is a chat line for everyone.
type BroadcastText struct {
	Content string
}

// PrivateText is a chat line for one user.
type PrivateText struct {
	Content string
	To      string
}

// Typing is a typing indicator; an empty To addresses everyone else.
type Typing struct {
	Stopped bool
	To      string
}

func (BroadcastText) inbound() {}
func (PrivateText) inbound()   {}
func (Typing) inbound()        {}

type contentData struct {
	Content string `json:"content"`
}

type privateContentData struct {
	Content string `json:"content"`
	To      string `json:"to"`
}

type targetData struct {
	To string `json:"to"`
}

// DecodeInbound parses one client frame.
// Unknown event names, unknown fields, missing targets and blank content are rejected
// with ErrInvalidEvent; content over maxContentBytes with ErrMessageContentTooLong.
func DecodeInbound(frame []byte, maxContentBytes int) (Inbound, *errs.CustomError) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errs.NewError(errs.ErrInvalidJSONFormat)
	}

	switch env.Event {
	case InMessage:
		var d contentData
		if err := strictDecode(env.Data, &d); err != nil {
			return nil, err
		}
		if err := checkContent(d.Content, maxContentBytes); err != nil {
			return nil, err
		}
		return BroadcastText{Content: d.Content}, nil

	case InPrivateMessage:
		var d privateContentData
		if err := strictDecode(env.Data, &d); err != nil {
			return nil, err
		}
		if d.To == "" {
			return nil, errs.NewError(errs.ErrInvalidEvent)
		}
		if err := checkContent(d.Content, maxContentBytes); err != nil {
			return nil, err
		}
		return PrivateText{Content: d.Content, To: d.To}, nil

	case InTyping, InStoppedTyping:
		if len(env.Data) > 0 {
			var d struct{}
			if err := strictDecode(env.Data, &d); err != nil {
				return nil, err
			}
		}
		return Typing{Stopped: env.Event == InStoppedTyping}, nil

	case InPrivateTyping, InPrivateStoppedTyping:
		var d targetData
		if err := strictDecode(env.Data, &d); err != nil {
			return nil, err
		}
		if d.To == "" {
			return nil, errs.NewError(errs.ErrInvalidEvent)
		}
		return Typing{Stopped: env.Event == InPrivateStoppedTyping, To: d.To}, nil
	}

	return nil, errs.NewError(errs.ErrInvalidEvent)
}

func strictDecode(data json.RawMessage, dst any) *errs.CustomError {
	if len(data) == 0 {
		return errs.NewError(errs.ErrInvalidEvent)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errs.NewError(errs.ErrInvalidEvent)
	}
	if decoder.More() {
		return errs.NewError(errs.ErrInvalidEvent)
	}
	return nil
}

func checkContent(content string, maxContentBytes int) *errs.CustomError {
	if strings.TrimSpace(content) == "" {
		return errs.NewError(errs.ErrInvalidEvent)
	}
	if maxContentBytes > 0 && len(content) > maxContentBytes {
		return errs.NewError(errs.ErrMessageContentTooLong, maxContentBytes)
	}
	return nil
}

// Event is one outbound notification.
type Event struct {
	Name string
	Data any
}

// MarshalJSON encodes e as an Envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: e.Name, Data: e.Data})
}

// SessionPayload hands the client its reclaimable credentials.
type SessionPayload struct {
	SessionID string `json:"sessionID"`
	UserID    string `json:"userID"`
}

// UserEntry is one user as seen by a specific recipient.
// Messages holds only the private history between that recipient and this user.
type UserEntry struct {
	UserID    string                        `json:"userID"`
	Username  string                        `json:"username"`
	Connected bool                          `json:"connected"`
	Messages  []conversation.PrivateMessage `json:"messages"`
}

// UserRef identifies a user in a departure notice.
type UserRef struct {
	UserID string `json:"userID"`
}

// CommandPayload carries a relayed control directive verbatim.
type CommandPayload struct {
	Content  string `json:"content"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Username string `json:"username"`
}

// TypingPayload names who is typing to everyone.
type TypingPayload struct {
	Username string `json:"username"`
}

// PrivateTypingPayload names who is typing to whom.
type PrivateTypingPayload struct {
	Username string `json:"username"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// ErrorPayload is the body of a chat error.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func SessionEvent(sessionID, userID string) Event {
	return Event{Name: OutSession, Data: SessionPayload{SessionID: sessionID, UserID: userID}}
}

func MessagesEvent(history []conversation.BroadcastMessage) Event {
	if history == nil {
		history = []conversation.BroadcastMessage{}
	}
	return Event{Name: OutMessages, Data: history}
}

func UsersEvent(users []UserEntry) Event {
	return Event{Name: OutUsers, Data: users}
}

func UserConnectedEvent(user UserEntry) Event {
	return Event{Name: OutUserConnected, Data: user}
}

func UserDisconnectedEvent(userID string) Event {
	return Event{Name: OutUserDisconnected, Data: UserRef{UserID: userID}}
}

func MessageEvent(m conversation.BroadcastMessage) Event {
	return Event{Name: OutMessage, Data: m}
}

func PrivateMessageEvent(m conversation.PrivateMessage) Event {
	return Event{Name: OutPrivateMessage, Data: m}
}

func CommandEvent(c CommandPayload) Event {
	return Event{Name: OutCommand, Data: c}
}

func TypingEvent(stopped bool, username string) Event {
	name := OutUserTyping
	if stopped {
		name = OutUserStoppedTyping
	}
	return Event{Name: name, Data: TypingPayload{Username: username}}
}

func PrivateTypingEvent(stopped bool, username, from, to string) Event {
	name := OutPrivateUserTyping
	if stopped {
		name = OutPrivateUserStoppedTyping
	}
	return Event{Name: name, Data: PrivateTypingPayload{Username: username, From: from, To: to}}
}

// ErrorEvent converts err into a chat error.
func ErrorEvent(err *errs.CustomError) Event {
	if err == nil {
		err = errs.NewError(errs.ErrUnknown)
	}
	return Event{Name: OutChatError, Data: ErrorPayload{Code: err.Code, Message: err.Message}}
}
