package kiosk

import "strings"

// Reconciler accumulates fragmented streaming payloads keyed by correlation
// id: assistant transcript deltas keyed by response id and function-call
// argument deltas keyed by call id. A given id appears, accumulates and is
// retired exactly once per session.
//
// Not safe for concurrent use; the owning session serializes access.
type Reconciler struct {
	transcripts map[string]*strings.Builder
	callArgs    map[string]*strings.Builder
}

func NewReconciler() *Reconciler {
	r := new(Reconciler)
	r.Reset()
	return r
}

// AppendTranscript appends a transcript fragment for the given response id
// and returns everything accumulated so far.
func (r *Reconciler) AppendTranscript(id, fragment string) string {
	return appendFragment(r.transcripts, id, fragment)
}

// Transcript returns the accumulated transcript without retiring the id; the
// finalized chat message is the source of truth after a done event.
func (r *Reconciler) Transcript(id string) string {
	if b, ok := r.transcripts[id]; ok {
		return b.String()
	}
	return ""
}

// AppendCallArgs appends an argument-JSON fragment for the given call id and
// returns everything accumulated so far.
func (r *Reconciler) AppendCallArgs(id, fragment string) string {
	return appendFragment(r.callArgs, id, fragment)
}

// TakeCallArgs returns the accumulated arguments for id and retires the
// entry. Returns "" for an unknown id.
func (r *Reconciler) TakeCallArgs(id string) string {
	b, ok := r.callArgs[id]
	if !ok {
		return ""
	}
	delete(r.callArgs, id)
	return b.String()
}

// Reset drops every buffered fragment. Called on session teardown.
func (r *Reconciler) Reset() {
	r.transcripts = make(map[string]*strings.Builder)
	r.callArgs = make(map[string]*strings.Builder)
}

func appendFragment(m map[string]*strings.Builder, id, fragment string) string {
	b, ok := m[id]
	if !ok {
		b = new(strings.Builder)
		m[id] = b
	}
	b.WriteString(fragment)
	return b.String()
}
