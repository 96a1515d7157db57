// Package signaling defines the JSON messages exchanged with the call relay
// and a WebSocket client that carries them.
//
// Messages are a closed set of variants. [Decode] validates inbound payloads
// at the boundary so the call layer only ever sees well-formed values.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypeEndCall      Type = "end_call"
	TypeCallRejected Type = "call_rejected"
)

// Rejection reasons sent in call_rejected.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

// ErrInvalidMessage is wrapped by every decode and validation failure.
var ErrInvalidMessage = errors.New("signaling: invalid message")

// ValidationError describes why a message was refused.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("signaling: invalid %q message: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("signaling: invalid %q message: %s %s", e.Type, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// SessionDescription is an SDP payload tagged offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate. Nil SDPMid and SDPMLineIndex
// encode as JSON null.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// Key identifies a candidate for duplicate detection.
func (c Candidate) Key() string {
	mid, line := "-", "-"
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		line = fmt.Sprint(*c.SDPMLineIndex)
	}
	return c.Candidate + "|" + mid + "|" + line
}

// Message is one of Offer, Answer, ICECandidate, EndCall or CallRejected.
// Outbound messages set To; inbound messages carry the sender in From.
type Message interface {
	Kind() Type
	Sender() string
	Recipient() string
}

// Offer starts a call or an ICE restart.
type Offer struct {
	To, From string
	Offer    SessionDescription
}

// Answer completes an offer.
type Answer struct {
	To, From string
	Answer   SessionDescription
}

// ICECandidate trickles one candidate.
type ICECandidate struct {
	To, From  string
	Candidate Candidate
}

// EndCall tells the peer the call is over.
type EndCall struct {
	To, From string
}

// CallRejected refuses an offer.
type CallRejected struct {
	To, From string
	Reason   string
}

func (Offer) Kind() Type        { return TypeOffer }
func (Answer) Kind() Type       { return TypeAnswer }
func (ICECandidate) Kind() Type { return TypeICECandidate }
func (EndCall) Kind() Type      { return TypeEndCall }
func (CallRejected) Kind() Type { return TypeCallRejected }

func (m Offer) Sender() string        { return m.From }
func (m Answer) Sender() string       { return m.From }
func (m ICECandidate) Sender() string { return m.From }
func (m EndCall) Sender() string      { return m.From }
func (m CallRejected) Sender() string { return m.From }

func (m Offer) Recipient() string        { return m.To }
func (m Answer) Recipient() string       { return m.To }
func (m ICECandidate) Recipient() string { return m.To }
func (m EndCall) Recipient() string      { return m.To }
func (m CallRejected) Recipient() string { return m.To }

// envelope is the flat wire shape shared by every variant.
type envelope struct {
	Type      Type                `json:"type"`
	To        string              `json:"to,omitempty"`
	From      string              `json:"from,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
	Reason    *string             `json:"reason,omitempty"`
}

// Marshal encodes an outbound message. The recipient must be set.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.Recipient() == "" {
		return nil, &ValidationError{Type: m.Kind(), Field: "to", Reason: "is required"}
	}

	env := envelope{Type: m.Kind(), To: m.Recipient(), From: m.Sender()}
	switch v := m.(type) {
	case Offer:
		env.Offer = &v.Offer
	case Answer:
		env.Answer = &v.Answer
	case ICECandidate:
		env.Candidate = &v.Candidate
	case EndCall:
	case CallRejected:
		env.Reason = &v.Reason
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, m)
	}
	if err := validate(env, false); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses and validates an inbound message. The sender must be set.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate(env, true); err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeOffer:
		return Offer{To: env.To, From: env.From, Offer: *env.Offer}, nil
	case TypeAnswer:
		return Answer{To: env.To, From: env.From, Answer: *env.Answer}, nil
	case TypeICECandidate:
		return ICECandidate{To: env.To, From: env.From, Candidate: *env.Candidate}, nil
	case TypeEndCall:
		return EndCall{To: env.To, From: env.From}, nil
	default:
		reason := ""
		if env.Reason != nil {
			reason = *env.Reason
		}
		return CallRejected{To: env.To, From: env.From, Reason: reason}, nil
	}
}

func validate(env envelope, inbound bool) error {
	invalid := func(field, reason string) error {
		return &ValidationError{Type: env.Type, Field: field, Reason: reason}
	}

	if inbound && env.From == "" {
		switch env.Type {
		case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall, TypeCallRejected:
			return invalid("from", "is required")
		}
	}

	switch env.Type {
	case TypeOffer:
		return validateDescription(env.Offer, "offer", invalid)
	case TypeAnswer:
		return validateDescription(env.Answer, "answer", invalid)
	case TypeICECandidate:
		if env.Candidate == nil {
			return invalid("candidate", "is required")
		}
	case TypeEndCall, TypeCallRejected:
	case "":
		return invalid("type", "is required")
	default:
		return invalid("type", "is unknown")
	}
	return nil
}

func validateDescription(d *SessionDescription, want string, invalid func(field, reason string) error) error {
	if d == nil {
		return invalid(want, "is required")
	}
	if d.Type != want {
		return invalid(want+".type", fmt.Sprintf("must be %q, got %q", want, d.Type))
	}
	if d.SDP == "" {
		return invalid(want+".sdp", "is empty")
	}
	return nil
}
