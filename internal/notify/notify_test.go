package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAcknowledger struct {
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type countingWaker struct {
	n atomic.Int32
}

func (w *countingWaker) Wake() { w.n.Add(1) }

type recordingPublisher struct {
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

type recordingNotifier struct {
	ids []string
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, jobID string) error {
	n.ids = append(n.ids, jobID)
	return n.err
}

func TestConsumer_Handle(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantWake int32
		wantAck  bool
	}{
		{"valid message", `{"job_id":"6f1c3c8e-2b8f-4a8e-9a57-3a1d4f1e2b3c"}`, 1, true},
		{"malformed json", `{"job_id":`, 0, false},
		{"job id is not a uuid", `{"job_id":"42"}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			waker := &countingWaker{}
			c := &Consumer{waker: waker, logger: testLogger()}

			c.handle(amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(tt.body)})

			assert.Equal(t, tt.wantWake, waker.n.Load())
			if tt.wantAck {
				assert.Equal(t, []uint64{7}, ack.acked)
				assert.Empty(t, ack.nacked)
			} else {
				assert.Empty(t, ack.acked)
				assert.Equal(t, []uint64{7}, ack.nacked)
				assert.Equal(t, []bool{false}, ack.requeue)
			}
		})
	}
}

func TestConsumer_ConsumeStopsOnCancelAndClose(t *testing.T) {
	waker := &countingWaker{}
	c := &Consumer{waker: waker, logger: testLogger()}

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Acknowledger: &fakeAcknowledger{},
		Body:         []byte(`{"job_id":"6f1c3c8e-2b8f-4a8e-9a57-3a1d4f1e2b3c"}`),
	}
	close(deliveries)

	err := c.consume(context.Background(), deliveries, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), waker.n.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- c.consume(ctx, make(chan amqp.Delivery), nil) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_ConsumeStopsWhenChannelCloses(t *testing.T) {
	waker := &countingWaker{}
	c := &Consumer{waker: waker, logger: testLogger()}

	closed := make(chan *amqp.Error, 1)
	closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown"}

	err := c.consume(context.Background(), make(chan amqp.Delivery), closed)
	require.Error(t, err)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
	assert.Zero(t, waker.n.Load())

	gone := make(chan *amqp.Error)
	close(gone)
	assert.EqualError(t, c.consume(context.Background(), make(chan amqp.Delivery), gone), "rabbitmq channel closed")
}

func TestPublisher_Notify(t *testing.T) {
	pub := &recordingPublisher{}
	p := &Publisher{client: pub, logger: testLogger()}

	require.NoError(t, p.Notify(context.Background(), "job-1"))
	require.Len(t, pub.bodies, 1)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "job-1", msg.JobID)

	pub.err = errors.New("channel closed")
	err := p.Notify(context.Background(), "job-2")
	assert.ErrorContains(t, err, "channel closed")
}

func TestMulti_Notify(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("broker down")}

	err := Multi{ok, failing, Noop{}}.Notify(context.Background(), "job-1")
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, []string{"job-1"}, ok.ids)
	assert.Equal(t, []string{"job-1"}, failing.ids)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), "job-2"))
}
