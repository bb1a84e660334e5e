package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) {
	s.marked++
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "users.registered" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func runClaim(t *testing.T, h *consumerGroupHandler, msgs ...*sarama.ConsumerMessage) *stubSession {
	t.Helper()
	msgCh := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		msgCh <- m
	}
	close(msgCh)
	session := &stubSession{ctx: context.Background()}
	if err := h.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	return session
}

func TestConsumerGroupHandlerDLQsPermanentError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return DLQ(errors.New("decode failed"), "decode")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "dead_letter",
		retryTracker: newRetryTracker(3, time.Minute),
	}

	session := runClaim(t, handler, &sarama.ConsumerMessage{Topic: "users.registered", Offset: 1, Value: []byte("bad")})

	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 || dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected one dlq publish, got %+v", dlq.calls)
	}
	payload, ok := dlq.calls[0].value.(DLQPayload)
	if !ok {
		t.Fatalf("expected DLQPayload, got %T", dlq.calls[0].value)
	}
	if payload.Reason != "decode" || payload.Error != "decode failed" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestConsumerGroupHandlerRetriesTransientError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return errors.New("db unavailable")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "dead_letter",
		retryTracker: newRetryTracker(2, time.Minute),
	}
	msg := &sarama.ConsumerMessage{Topic: "users.registered", Offset: 7, Value: []byte("{}")}

	session := runClaim(t, handler, msg)
	if session.marked != 0 || len(dlq.calls) != 0 {
		t.Fatalf("expected first failure to stay unmarked")
	}

	session = runClaim(t, handler, msg)
	if session.marked != 1 || len(dlq.calls) != 1 {
		t.Fatalf("expected dlq after max attempts, marked=%d dlq=%d", session.marked, len(dlq.calls))
	}
}

func TestConsumerGroupHandlerMarksSuccess(t *testing.T) {
	handler := &consumerGroupHandler{
		handler:      handlerFunc(func(context.Context, *sarama.ConsumerMessage) error { return nil }),
		logger:       slog.Default(),
		retryTracker: newRetryTracker(1, time.Minute),
	}
	session := runClaim(t, handler, &sarama.ConsumerMessage{Offset: 1}, &sarama.ConsumerMessage{Offset: 2})
	if session.marked != 2 {
		t.Fatalf("expected 2 marked, got %d", session.marked)
	}
}
