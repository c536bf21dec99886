// Package view mirrors the server's request table to clients. The server
// sends binary frames (full snapshots, deltas of changed requests, removals
// and per-job request lists); clients apply them to a Store. Control
// messages (subscribe, resync, welcome, error) are JSON text frames
// validated against embedded schemas.
package view

import (
	"encoding/json"
	"fmt"

	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/token"
)

// ProtocolVersion is the version carried in SUBSCRIBE and WELCOME.
const ProtocolVersion = 1

// MsgType is the kind of a binary frame.
type MsgType uint8

const (
	MsgSnapshot MsgType = iota + 1
	MsgDelta
	MsgRemove
	MsgJobRequests
)

var msgTypeNames = map[MsgType]string{
	MsgSnapshot:    "SNAPSHOT",
	MsgDelta:       "DELTA",
	MsgRemove:      "REMOVE",
	MsgJobRequests: "JOB_REQUESTS",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MSG(%d)", uint8(t))
}

// Frame is one decoded server message. Which fields are set depends on
// Type: Requests for SNAPSHOT and DELTA, Tokens for REMOVE and
// JOB_REQUESTS, Job for JOB_REQUESTS.
type Frame struct {
	Type     MsgType
	Colony   token.Token
	Tick     uint64
	Requests []*request.Request
	Tokens   []token.Token
	Job      token.Token

	// Skipped counts records dropped while decoding.
	Skipped int
}

// Control message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeResync    = "RESYNC"
	TypeWelcome   = "WELCOME"
	TypeError     = "ERROR"
)

// BaseMsg is the common envelope of control messages.
type BaseMsg struct {
	Type string `json:"type"`
}

// SubscribeMsg (client -> server) opens a view of one colony.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Colony          string `json:"colony,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// ResyncMsg (client -> server) asks for a fresh SNAPSHOT.
type ResyncMsg struct {
	Type string `json:"type"`
}

// WelcomeMsg (server -> client) acknowledges a subscription.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Colony          string `json:"colony"`
	Tick            uint64 `json:"tick"`
	Requests        int    `json:"requests"`
}

// ErrorMsg (server -> client) reports a rejected message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// DecodeBase reads the type of a control message.
func DecodeBase(b []byte) (BaseMsg, error) {
	var base BaseMsg
	if err := json.Unmarshal(b, &base); err != nil {
		return BaseMsg{}, err
	}
	return base, nil
}

// NewError builds an ERROR message.
func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: msg}
}
