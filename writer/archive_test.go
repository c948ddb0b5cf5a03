package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "l3flow/config"
	"l3flow/models"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func isParquet(data []byte) bool {
	magic := []byte("PAR1")
	return len(data) > 8 && bytes.HasPrefix(data, magic) && bytes.HasSuffix(data, magic)
}

func TestS3ArchiveKeyIsStableAcrossRetries(t *testing.T) {
	client := &fakeS3{}
	archive := newS3Archive(client, "bucket", appconfig.PartitioningConfig{
		TimeFormat:     "year={year}/month={month}/day={day}/hour={hour}",
		AdditionalKeys: []string{"venue", "instrument"},
	})
	events := testEvents("coinbase", "BTC-USD", 7, 3)

	require.NoError(t, archive.WriteEvents(context.Background(), events))
	require.NoError(t, archive.WriteEvents(context.Background(), events))

	assert.Equal(t, 2, client.puts)
	require.Len(t, client.objects, 1)
	key := "events/venue=coinbase/instrument=BTC-USD/year=2024/month=03/day=01/hour=12/events_00000000000000000007_00000000000000000009.parquet"
	data, ok := client.objects[key]
	require.True(t, ok, "objects: %v", client.objects)
	assert.True(t, isParquet(data))
}

func TestS3ArchiveSnapshot(t *testing.T) {
	client := &fakeS3{}
	archive := newS3Archive(client, "bucket", appconfig.PartitioningConfig{})

	require.NoError(t, archive.PublishSnapshot(context.Background(), testSnapshot("bitfinex", "ETH-USD", 42)))
	data, ok := client.objects["snapshots/snapshot_00000000000000000042.parquet"]
	require.True(t, ok, "objects: %v", client.objects)
	assert.True(t, isParquet(data))
}

type fakeProducer struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	events, snaps := &fakeProducer{}, &fakeProducer{}
	kp := newKafkaPublisher(events, snaps)

	require.NoError(t, kp.WriteEvents(context.Background(), testEvents("coinbase", "BTC-USD", 1, 2)))
	require.Len(t, events.msgs, 2)
	assert.Equal(t, "coinbase|BTC-USD", string(events.msgs[0].Key))
	var decoded models.OrderEvent
	require.NoError(t, json.Unmarshal(events.msgs[1].Value, &decoded))
	assert.Equal(t, int64(2), decoded.Sequence)
	assert.Equal(t, "100.5", decoded.Price.String())

	require.NoError(t, kp.PublishSnapshot(context.Background(), testSnapshot("coinbase", "BTC-USD", 2)))
	require.Len(t, snaps.msgs, 1)

	events.err = errors.New("broker down")
	assert.Error(t, kp.WriteEvents(context.Background(), testEvents("coinbase", "BTC-USD", 3, 1)))

	require.NoError(t, kp.Close())
	assert.True(t, events.closed)
	assert.True(t, snaps.closed)
}
