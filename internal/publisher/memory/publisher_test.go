package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-task-consumer/internal/publisher"
)

func TestTransportStoresMessages(t *testing.T) {
	t.Parallel()

	tr := New()
	r1, err := tr.Send(context.Background(), publisher.Message{Key: "a", Payload: []byte("1")})
	require.NoError(t, err)
	require.Equal(t, "memory-1", r1.MessageID)
	r2, err := tr.Send(context.Background(), publisher.Message{Key: "b", Payload: []byte("2")})
	require.NoError(t, err)
	require.Equal(t, "memory-2", r2.MessageID)
	require.Equal(t, int64(1), r2.Offset)

	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Key = "modified"
	require.Equal(t, "a", tr.Messages()[0].Key, "Messages() must return a copy")
}

func TestTransportFailNextAndClose(t *testing.T) {
	t.Parallel()

	tr := New()
	boom := errors.New("broker unavailable")
	tr.FailNext(boom)
	_, err := tr.Send(context.Background(), publisher.Message{Key: "a"})
	require.ErrorIs(t, err, boom)
	_, err = tr.Send(context.Background(), publisher.Message{Key: "a"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.Send(context.Background(), publisher.Message{Key: "a"})
	require.Error(t, err)
	require.Len(t, tr.Messages(), 1)
}
