package rpcreg_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hapihub/hapi/internal/hub/rpcreg"
)

func newRegistry() *rpcreg.Registry {
	return rpcreg.New(slog.New(slog.DiscardHandler))
}

func TestRegisterSingleOwner(t *testing.T) {
	r := newRegistry()

	assert.True(t, r.Register("m1:spawn-happy-session", "sock-a"))
	// Re-registering by the same socket is fine.
	assert.True(t, r.Register("m1:spawn-happy-session", "sock-a"))
	// A different socket does not take over.
	assert.False(t, r.Register("m1:spawn-happy-session", "sock-b"))

	owner, ok := r.Lookup("m1:spawn-happy-session")
	assert.True(t, ok)
	assert.Equal(t, "sock-a", owner)
}

func TestUnregisterOnlyByOwner(t *testing.T) {
	r := newRegistry()
	r.Register("method", "sock-a")

	// A stale disconnect from another socket must not release the
	// method out from under its owner.
	assert.False(t, r.Unregister("method", "sock-b"))
	owner, ok := r.Lookup("method")
	assert.True(t, ok)
	assert.Equal(t, "sock-a", owner)

	assert.True(t, r.Unregister("method", "sock-a"))
	_, ok = r.Lookup("method")
	assert.False(t, ok)
}

func TestUnregisterAll(t *testing.T) {
	r := newRegistry()
	r.Register("a", "sock-1")
	r.Register("b", "sock-1")
	r.Register("c", "sock-2")

	released := r.UnregisterAll("sock-1")
	assert.ElementsMatch(t, []string{"a", "b"}, released)

	_, ok := r.Lookup("a")
	assert.False(t, ok)
	owner, ok := r.Lookup("c")
	assert.True(t, ok)
	assert.Equal(t, "sock-2", owner)

	assert.Nil(t, r.UnregisterAll("sock-unknown"))
}

func TestReconnectRace(t *testing.T) {
	r := newRegistry()

	// Old connection dies, new one registers, then the old one's
	// cleanup runs late.
	r.Register("method", "sock-old")
	r.UnregisterAll("sock-old")
	assert.True(t, r.Register("method", "sock-new"))
	r.UnregisterAll("sock-old")

	owner, ok := r.Lookup("method")
	assert.True(t, ok)
	assert.Equal(t, "sock-new", owner)
}
