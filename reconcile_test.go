package kiosk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcilerTranscripts(t *testing.T) {
	r := NewReconciler()

	assert.Equal(t, "Hel", r.AppendTranscript("r1", "Hel"))
	assert.Equal(t, "Hello", r.AppendTranscript("r1", "lo"))
	assert.Equal(t, "Hi", r.AppendTranscript("r2", "Hi"))

	// Reading does not retire.
	assert.Equal(t, "Hello", r.Transcript("r1"))
	assert.Equal(t, "Hello", r.Transcript("r1"))
	assert.Equal(t, "", r.Transcript("unknown"))

	r.Reset()
	assert.Equal(t, "", r.Transcript("r1"))
}

func TestReconcilerCallArgs(t *testing.T) {
	r := NewReconciler()

	assert.Equal(t, `{"rea`, r.AppendCallArgs("c1", `{"rea`))
	assert.Equal(t, `{"reason":"done"}`, r.AppendCallArgs("c1", `son":"done"}`))

	// Take retires the id.
	assert.Equal(t, `{"reason":"done"}`, r.TakeCallArgs("c1"))
	assert.Equal(t, "", r.TakeCallArgs("c1"))
	assert.Equal(t, "", r.TakeCallArgs("never-seen"))

	// Transcript and call-arg namespaces are independent.
	r.AppendTranscript("same-id", "text")
	r.AppendCallArgs("same-id", "{}")
	assert.Equal(t, "text", r.Transcript("same-id"))
	assert.Equal(t, "{}", r.TakeCallArgs("same-id"))
	assert.Equal(t, "text", r.Transcript("same-id"))
}
