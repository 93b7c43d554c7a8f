package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/martinemde/codeagent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// drain closes sink and collects everything it delivers.
func drain(sink *ChannelSink) []Event {
	sink.Close()
	var out []Event
	for e := range sink.Events() {
		out = append(out, e)
	}
	return out
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

func TestChannelSinkDropsDeltasWhenFull(t *testing.T) {
	sink := NewChannelSink(2)
	for range 5 {
		sink.Emit(ContentDeltaEvent{EventHeader: header("t1"), Text: "x"})
	}

	events := drain(sink)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(3), sink.Dropped())
}

func TestChannelSinkKeepsLifecycleEventsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := NewChannelSink(2)
	sink.Emit(PhaseStartedEvent{EventHeader: header("t1"), PhaseID: "a"})
	sink.Emit(ContentDeltaEvent{EventHeader: header("t1"), Text: "x"})
	sink.Emit(ContentDeltaEvent{EventHeader: header("t1"), Text: "dropped"})
	sink.Emit(TaskFailedEvent{EventHeader: header("t1"), Error: "boom", ErrorKind: ErrTransport})
	sink.Emit(ContentDeltaEvent{EventHeader: header("t1"), Text: "dropped too"})
	sink.Emit(PhaseFailedEvent{EventHeader: header("t1"), PhaseID: "a", Error: "boom"})

	events := drain(sink)
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind()
	}
	assert.Equal(t, []EventKind{EventPhaseStarted, EventContentDelta, EventTaskFailed, EventPhaseFailed}, kinds)
	assert.Equal(t, int64(2), sink.Dropped())
}

func TestChannelSinkIgnoresEventsAfterClose(t *testing.T) {
	sink := NewChannelSink(4)
	sink.Close()
	sink.Close()
	sink.Emit(TaskCompletedEvent{EventHeader: header("t1")})

	_, open := <-sink.Events()
	assert.False(t, open)
}

func TestExecuteTaskDeliversTaskFailedPastFullBuffer(t *testing.T) {
	chunks := make([]unifiedllm.Chunk, 300)
	for i := range chunks {
		chunks[i] = textChunk("tok ")
	}
	sink := NewChannelSink(0)
	h := newHarness(t,
		[]modelTurn{{chunks: chunks, streamErr: errors.New("stream broke")}},
		withSessionOptions(WithEventSink(sink)),
	)

	r := h.session.ExecuteTask(context.Background(), TaskInput{Name: "flood", Prompt: "talk a lot"})
	require.False(t, r.Success)

	events := drain(sink)
	assert.Equal(t, 1, countKind(events, EventTaskFailed))
	assert.Zero(t, countKind(events, EventTaskCompleted))
	assert.Positive(t, sink.Dropped())
	assert.Equal(t, EventTaskFailed, events[len(events)-1].Kind())
}
