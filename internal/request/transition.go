package request

import "github.com/talgya/mini-colony/internal/token"

// Transition records one state change of a request. Creation is recorded
// as CREATED → CREATED with reason "created".
type Transition struct {
	Tick     uint64       `json:"tick"`
	Token    token.Token  `json:"token"`
	Parent   *token.Token `json:"parent,omitempty"`
	From     State        `json:"from"`
	To       State        `json:"to"`
	Resolver *token.Token `json:"resolver,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}
