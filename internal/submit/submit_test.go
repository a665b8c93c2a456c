package submit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/aerorelay/internal/messaging"
	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/relay"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

var testID = packet.Identity{SourceChain: "chain-A", DestChain: "chain-B", Channel: "channel-7", Sequence: 42}

func TestSubmitPublishesRequest(t *testing.T) {
	topic := messaging.NewMemoryTopic()
	s := NewKafkaSubmitter(topic, nil)
	bundle := &zk.Bundle{Proof: []byte{1, 2, 3}, PublicInputs: zk.PublicInputs{Version: 1, Identity: testID}}

	res, err := s.Submit(context.Background(), relay.Submission{Route: "a-to-b", Identity: testID, Bundle: bundle, SealedWitness: []byte("sealed")})
	require.NoError(t, err)
	assert.Nil(t, res)

	pending := topic.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, testID.Lane(), string(pending[0].Key))

	var req SubmissionRequest
	require.NoError(t, json.Unmarshal(pending[0].Value, &req))
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "a-to-b", req.Route)
	assert.Equal(t, testID, req.Identity)
	assert.Equal(t, []byte{1, 2, 3}, req.Proof)
	assert.Equal(t, []byte("sealed"), req.SealedWitness)
}

func TestSubmitPublishFailureIsTransient(t *testing.T) {
	topic := messaging.NewMemoryTopic()
	require.NoError(t, topic.Close())
	s := NewKafkaSubmitter(topic, nil)

	_, err := s.Submit(context.Background(), relay.Submission{Identity: testID, Bundle: &zk.Bundle{}})
	var se *relay.SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, relay.SubmitTransient, se.Kind)
}

func TestResultConfirmation(t *testing.T) {
	c, err := Result{Identity: testID, Status: StatusIncluded, TxHash: "AB", Height: 105}.Confirmation()
	require.NoError(t, err)
	require.NotNil(t, c.Result)
	assert.Equal(t, uint64(105), c.Result.Height)

	c, err = Result{Identity: testID, Status: StatusAlreadyRelayed}.Confirmation()
	require.NoError(t, err)
	var se *relay.SubmitError
	require.ErrorAs(t, c.Err, &se)
	assert.Equal(t, relay.SubmitAlreadyRelayed, se.Kind)

	_, err = Result{Identity: testID, Status: "maybe"}.Confirmation()
	assert.Error(t, err)
}

type fakeConfirmer struct {
	mu   sync.Mutex
	got  []relay.Confirmation
	fail int
}

func (f *fakeConfirmer) Confirm(ctx context.Context, c relay.Confirmation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("engine busy")
	}
	f.got = append(f.got, c)
	return nil
}

func (f *fakeConfirmer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestResultListenerAcksAfterConfirm(t *testing.T) {
	topic := messaging.NewMemoryTopic()
	body, err := json.Marshal(Result{RequestID: "r1", Identity: testID, Status: StatusIncluded, Height: 105})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, topic.Publish(ctx, messaging.Message{Value: body}))
	require.NoError(t, topic.Publish(ctx, messaging.Message{Value: []byte("{not json")}))

	engine := &fakeConfirmer{fail: 1}
	l := NewResultListener(topic, engine, nil)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(topic.Acked()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, engine.count())
	assert.Empty(t, topic.Pending())

	cancel()
	assert.NoError(t, <-done)
}

func TestEventSinkPublishesTransition(t *testing.T) {
	topic := messaging.NewMemoryTopic()
	sink := NewKafkaEventSink(topic)
	tr := relay.Transition{ID: testID, From: relay.StateAwaitingConfirmation, To: relay.StateConfirmed, At: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, sink.Publish(context.Background(), tr))

	pending := topic.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, testID.String(), string(pending[0].Key))
	assert.Contains(t, string(pending[0].Value), `"to":"confirmed"`)
}
