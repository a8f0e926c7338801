package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusSendPollFIFO(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, Message{Type: TypeTaskAssign, From: "engine", To: "worker-1", Payload: TaskAssign{TicketID: "t1"}}))
	require.NoError(t, b.Send(ctx, Message{Type: TypeTaskAssign, From: "engine", To: "worker-1", Payload: TaskAssign{TicketID: "t2"}}))

	msgs, err := b.Poll(ctx, "worker-1", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, TaskAssign{TicketID: "t1"}, msgs[0].Payload)
	require.Equal(t, TaskAssign{TicketID: "t2"}, msgs[1].Payload)
}

func TestMemoryBusPollTimesOutWhenEmpty(t *testing.T) {
	b := NewMemoryBus()
	start := time.Now()
	msgs, err := b.Poll(context.Background(), "nobody", 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msgs)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryBusSendRejectsInvalidMessage(t *testing.T) {
	b := NewMemoryBus()
	err := b.Send(context.Background(), Message{From: "engine", To: "worker-1"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMemoryBusPollWakesOnSend(t *testing.T) {
	b := NewMemoryBus()
	done := make(chan []Message, 1)
	go func() {
		msgs, _ := b.Poll(context.Background(), "worker-1", time.Second)
		done <- msgs
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Send(context.Background(), Message{Type: TypeTaskResult, From: "engine", To: "worker-1", Payload: TaskResult{TicketID: "t1", Success: true}}))

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on send")
	}
}
