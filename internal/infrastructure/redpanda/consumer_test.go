package redpanda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func records(topic string, partition int32, values ...string) []*kgo.Record {
	rs := make([]*kgo.Record, len(values))
	for i, v := range values {
		rs[i] = &kgo.Record{Topic: topic, Partition: partition, Offset: int64(i), LeaderEpoch: 3, Value: []byte(v)}
	}
	return rs
}

func failOn(value string) func(*kgo.Record) error {
	return func(r *kgo.Record) error {
		if string(r.Value) == value {
			return errors.New("handler failed")
		}
		return nil
	}
}

func TestHandleInOrderStopsAtFirstFailure(t *testing.T) {
	var seen []string
	handle := func(r *kgo.Record) error {
		seen = append(seen, string(r.Value))
		return failOn("fail")(r)
	}

	handled, failed := handleInOrder(records(TopicLabAnswerRecorded, 0, "fail", "ok"), handle)

	assert.Empty(t, handled)
	require.NotNil(t, failed)
	assert.Equal(t, int64(0), failed.Offset)
	assert.Equal(t, []string{"fail"}, seen, "records after a failure must not be handled")
}

func TestHandleInOrderKeepsSuccessfulPrefix(t *testing.T) {
	handled, failed := handleInOrder(records(TopicLabAnswerRecorded, 0, "ok", "fail", "ok"), failOn("fail"))

	require.Len(t, handled, 1)
	assert.Equal(t, int64(0), handled[0].Offset)
	require.NotNil(t, failed)
	assert.Equal(t, int64(1), failed.Offset)
}

func TestHandleInOrderAllSucceed(t *testing.T) {
	handled, failed := handleInOrder(records(TopicLabAnswerRecorded, 0, "a", "b"), failOn("fail"))

	assert.Len(t, handled, 2)
	assert.Nil(t, failed)
}

func TestAddRewindTargetsFailedRecord(t *testing.T) {
	rewind := make(map[string]map[int32]kgo.EpochOffset)
	addRewind(rewind, &kgo.Record{Topic: TopicLabAnswerRecorded, Partition: 2, Offset: 7, LeaderEpoch: 3})
	addRewind(rewind, &kgo.Record{Topic: TopicLabAnswerRecorded, Partition: 0, Offset: 1, LeaderEpoch: 3})

	assert.Equal(t, map[string]map[int32]kgo.EpochOffset{
		TopicLabAnswerRecorded: {
			2: {Epoch: 3, Offset: 7},
			0: {Epoch: 3, Offset: 1},
		},
	}, rewind)
}

func TestDefaultConsumerConfig(t *testing.T) {
	cfg := DefaultConsumerConfig()
	assert.Equal(t, []string{TopicLabAnswerRecorded}, cfg.Topics)
	assert.Positive(t, cfg.RetryBackoff)
}
