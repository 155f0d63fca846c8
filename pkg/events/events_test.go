package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeepsOrder(t *testing.T) {
	var m Memory
	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, Event{Topic: TopicRoutes, Type: "a"}))
	require.NoError(t, m.Publish(ctx, Event{Topic: TopicFunds, Type: "b"}))

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Type)
	assert.Equal(t, TopicFunds, got[1].Topic)

	got[0].Type = "mutated"
	assert.Equal(t, "a", m.Events()[0].Type, "Events returns a copy")
}

func TestKafkaNeedsBrokers(t *testing.T) {
	_, err := NewKafka(KafkaConfig{}, nil)
	assert.Error(t, err)

	k, err := NewKafka(DefaultKafkaConfig(), nil)
	require.NoError(t, err)
	assert.Same(t, k.writer(TopicRoutes), k.writer(TopicRoutes))
	assert.NoError(t, k.Close())
}

type failing struct{ Nop }

func (failing) Publish(context.Context, Event) error { return assert.AnError }

func TestFanoutReachesEverySink(t *testing.T) {
	var a, b Memory
	f := Fanout{&a, failing{}, &b}
	err := f.Publish(context.Background(), Event{Topic: TopicRoutes, Type: "x"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.NoError(t, f.Close())
}
