package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/makex/orchestrator/internal/sandbox"
)

func TestEncode(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := Encode(StatusEvent{
		AppID:        "app-1",
		SandboxRowID: "row-1",
		Provider:     sandbox.ProviderE2B,
		From:         sandbox.StatusActive,
		To:           sandbox.StatusPausing,
		At:           at,
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("app-1"), msg.Key)
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "sandbox.status.pausing", string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "active", decoded["from"])
	assert.Equal(t, "pausing", decoded["to"])
	assert.Equal(t, "e2b", decoded["provider"])
}

func TestEncodeStampsTime(t *testing.T) {
	msg, err := Encode(StatusEvent{AppID: "a", To: sandbox.StatusActive})
	require.NoError(t, err)
	assert.False(t, msg.Time.IsZero())
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ParseBrokers(" k1:9092, ,k2:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)
}

func TestKafkaPublisher_DoesNotBlockOnBroker(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:1"}}, zap.New(core))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Publish(context.Background(), StatusEvent{AppID: "app-1", To: sandbox.StatusPaused}))
	assert.Less(t, time.Since(start), time.Second)

	msg, err := Encode(StatusEvent{AppID: "app-1"})
	require.NoError(t, err)
	errBroker := errors.New("broker unavailable")
	p.completed([]kafka.Message{msg}, errBroker)
	p.completed([]kafka.Message{msg}, nil)

	entries := logs.FilterMessage("failed to deliver status events").
		FilterField(zap.Error(errBroker)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, []any{"app-1"}, entries[0].ContextMap()["app_ids"])
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), StatusEvent{}))
	assert.NoError(t, p.Close())
}
