package redisconn

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(context.Background(), Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)
	require.Nil(t, client)
}

func TestNewClientPings(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()
	_, err = NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.Error(t, err)
}
