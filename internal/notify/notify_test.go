package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithEmptyAddrReturnsNilNotifier(t *testing.T) {
	n, err := Open("")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNilNotifierMethodsAreNoOps(t *testing.T) {
	var n *Notifier
	n.Publish(context.Background(), "ch", "payload")

	received := false
	n.Subscribe(context.Background(), "ch", func(string) { received = true })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, received)

	assert.NoError(t, n.Close())
}

func TestOpenRejectsUnreachableAddr(t *testing.T) {
	_, err := Open("127.0.0.1:1")
	assert.Error(t, err)
}
