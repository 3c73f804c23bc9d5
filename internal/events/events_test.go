package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()

	var got1, got2 []Event
	bus.Subscribe(func(ev Event) { got1 = append(got1, ev) })
	bus.Subscribe(func(ev Event) { got2 = append(got2, ev) })

	bus.PublishToken("session-1", "hello")

	assert.Len(t, got1, 1)
	assert.Len(t, got2, 1)
	assert.Equal(t, TypeStreamToken, got1[0].Type)
	assert.Equal(t, "hello", got1[0].Data["token"])
	assert.False(t, got1[0].Timestamp.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsub := bus.Subscribe(func(ev Event) { got = append(got, ev) })

	bus.PublishStage("s", StageReceiving, nil)
	unsub()
	bus.PublishStage("s", StageComplete, nil)

	assert.Len(t, got, 1)
	assert.Equal(t, StageReceiving, got[0].Data["stage"])
}

func TestPublishStageMergesDetail(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(ev Event) { got = ev })

	bus.PublishStage("session-9", StageIntentClassification, map[string]any{"intent": "question"})

	assert.Equal(t, "session-9", got.Data["session_id"])
	assert.Equal(t, StageIntentClassification, got.Data["stage"])
	assert.Equal(t, "question", got.Data["intent"])
}
