package bus

import (
	"testing"

	"relaybot/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	b.Publish(domain.OperatorMessage{MessageID: 7, ReplyTo: 3})

	msg := <-b.Subscribe()
	if msg.MessageID != 7 || msg.ReplyTo != 3 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close() // second close is a no-op

	// Must not panic on a closed channel.
	b.Publish(domain.OperatorMessage{MessageID: 1})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("expected closed channel")
	}
}
