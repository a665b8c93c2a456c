// Package submit bridges the relay engine to an external destination-chain
// submitter over Kafka: proven packets go out as SubmissionRequests and
// inclusion results come back as Results.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/aerorelay/internal/messaging"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

// SubmissionRequest asks the submitter to deliver one packet.
type SubmissionRequest struct {
	RequestID     string          `json:"request_id"`
	Route         string          `json:"route"`
	Identity      packet.Identity `json:"identity"`
	Proof         []byte          `json:"proof"`
	PublicInputs  zk.PublicInputs `json:"public_inputs"`
	SealedWitness []byte          `json:"sealed_witness,omitempty"`
	SenderKey     []byte          `json:"sender_key,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// Result statuses reported by the submitter.
const (
	StatusIncluded       = "included"
	StatusAlreadyRelayed = "already_relayed"
	StatusTransient      = "transient"
	StatusPermanent      = "permanent"
)

// Result is the submitter's outcome for one request.
type Result struct {
	RequestID string          `json:"request_id"`
	Identity  packet.Identity `json:"identity"`
	Status    string          `json:"status"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Height    uint64          `json:"height,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Confirmation converts r into the engine's form.
func (r Result) Confirmation() (relay.Confirmation, error) {
	c := relay.Confirmation{ID: r.Identity}
	switch r.Status {
	case StatusIncluded:
		c.Result = &relay.InclusionResult{Identity: r.Identity, TxHash: r.TxHash, Height: r.Height}
	case StatusAlreadyRelayed:
		c.Err = &relay.SubmitError{Kind: relay.SubmitAlreadyRelayed}
	case StatusTransient:
		c.Err = &relay.SubmitError{Kind: relay.SubmitTransient, Err: errors.New(r.Error)}
	case StatusPermanent:
		c.Err = &relay.SubmitError{Kind: relay.SubmitPermanent, Err: errors.New(r.Error)}
	default:
		return c, fmt.Errorf("unknown result status %q", r.Status)
	}
	return c, nil
}

// KafkaSubmitter publishes SubmissionRequests. Results arrive later through
// a ResultListener, so Submit never returns an inclusion result.
type KafkaSubmitter struct {
	producer messaging.Producer
	log      *slog.Logger
}

// NewKafkaSubmitter publishes through producer.
func NewKafkaSubmitter(producer messaging.Producer, logger *slog.Logger) *KafkaSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSubmitter{producer: producer, log: logger.With("component", "submitter")}
}

func (s *KafkaSubmitter) Submit(ctx context.Context, sub relay.Submission) (*relay.InclusionResult, error) {
	if sub.Bundle == nil {
		return nil, &relay.SubmitError{Kind: relay.SubmitPermanent, Err: fmt.Errorf("no bundle for %s", sub.Identity)}
	}
	req := SubmissionRequest{
		RequestID:     uuid.NewString(),
		Route:         sub.Route,
		Identity:      sub.Identity,
		Proof:         sub.Bundle.Proof,
		PublicInputs:  sub.Bundle.PublicInputs,
		SealedWitness: sub.SealedWitness,
		SenderKey:     sub.SenderKey,
		RequestedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &relay.SubmitError{Kind: relay.SubmitPermanent, Err: err}
	}
	// Keyed by lane so one partition keeps a channel's order.
	msg := messaging.Message{Key: []byte(sub.Identity.Lane()), Value: body}
	if err := s.producer.Publish(ctx, msg); err != nil {
		return nil, &relay.SubmitError{Kind: relay.SubmitTransient, Err: err}
	}
	s.log.Debug("submission published", "id", sub.Identity.String(), "request_id", req.RequestID)
	return nil, nil
}

var _ relay.Submitter = (*KafkaSubmitter)(nil)
