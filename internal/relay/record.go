// Package relay tracks every packet from detection to a terminal state. The
// Engine is the only writer of relay records.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// State is the relay state of one packet.
type State uint8

const (
	StateDetected State = iota + 1
	StateDecoded
	StateProving
	StateAwaitingTransport
	StateAwaitingConfirmation
	StateConfirmed
	StateExpired
	StateFailed
)

var stateNames = map[State]string{
	StateDetected:             "detected",
	StateDecoded:              "decoded",
	StateProving:              "proving",
	StateAwaitingTransport:    "awaiting_transport",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateConfirmed:            "confirmed",
	StateExpired:              "expired",
	StateFailed:               "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateExpired || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState parses a state name as printed by String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown relay state %q", name)
}

// NonTerminal lists every state a packet can still leave.
var NonTerminal = []State{
	StateDetected, StateDecoded, StateProving, StateAwaitingTransport, StateAwaitingConfirmation,
}

// BundleRef points at the proof bundle stored for a record.
type BundleRef struct {
	Version zk.Version `json:"version"`
	Digest  string     `json:"digest"`
}

// InclusionResult is the destination chain's receipt for a relayed packet.
type InclusionResult struct {
	Identity packet.Identity `json:"identity"`
	TxHash   string          `json:"tx_hash"`
	Height   uint64          `json:"height"`
}

// Record is the persisted relay state of one packet.
type Record struct {
	ID          packet.Identity  `json:"id"`
	State       State            `json:"state"`
	Retries     int              `json:"retries"`
	LastAttempt time.Time        `json:"last_attempt"`
	NextAttempt time.Time        `json:"next_attempt"`
	Bundle      *BundleRef       `json:"bundle,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Event       packet.RawEvent  `json:"event"`
	Packet      *packet.Packet   `json:"packet,omitempty"`
	Witness     *zk.Witness      `json:"witness,omitempty"`
	Submitted   bool             `json:"submitted"`
	Delivered   bool             `json:"delivered"`
	Inclusion   *InclusionResult `json:"inclusion,omitempty"`
	Reconciled  bool             `json:"reconciled"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	States []State
	// Lane restricts to one source/dest/channel, as returned by
	// packet.Identity.Lane.
	Lane string
	// Before keeps records last updated before this time.
	Before time.Time
	Limit  int
}

func (f Filter) match(r *Record) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if r.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Lane != "" && r.ID.Lane() != f.Lane {
		return false
	}
	if !f.Before.IsZero() && !r.UpdatedAt.Before(f.Before) {
		return false
	}
	return true
}

// SubmitKind classifies a destination submission failure.
type SubmitKind uint8

const (
	SubmitTransient SubmitKind = iota + 1
	// SubmitAlreadyRelayed means another relayer delivered the packet first.
	SubmitAlreadyRelayed
	SubmitPermanent
)

func (k SubmitKind) String() string {
	switch k {
	case SubmitTransient:
		return "transient"
	case SubmitAlreadyRelayed:
		return "already_relayed"
	case SubmitPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SubmitError is returned by a Submitter or carried in a Confirmation.
type SubmitError struct {
	Kind SubmitKind
	Err  error
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return "submit: " + e.Kind.String()
	}
	return fmt.Sprintf("submit: %s: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// submitKind classifies err; errors that are not a SubmitError are transient.
func submitKind(err error) SubmitKind {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind
	}
	return SubmitTransient
}
