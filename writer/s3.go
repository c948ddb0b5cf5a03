package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "l3flow/config"
	"l3flow/logger"
	"l3flow/models"
)

// eventRecord is the parquet schema of archived order events. Prices and
// sizes keep their exact decimal text.
type eventRecord struct {
	Venue      string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instrument string `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID    string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Side       string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size       string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventKind  string `parquet:"name=event_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime  int64  `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Received   int64  `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// snapshotRecord is one resting order of an archived snapshot.
type snapshotRecord struct {
	Venue      string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instrument string `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Snapshot   int64  `parquet:"name=snapshot_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Side       string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level      int32  `parquet:"name=level, type=INT32"`
	OrderID    string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size       string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes event batches and snapshots to S3 as parquet. Object keys
// are derived from the data, so writing the same batch twice overwrites the
// same object.
type S3Archive struct {
	bucket       string
	partitioning appconfig.PartitioningConfig
	client       s3API
	log          *logger.Log
}

var _ EventSink = (*S3Archive)(nil)
var _ SnapshotPublisher = (*S3Archive)(nil)

// NewS3Archive initializes the S3 client with optional static credentials.
func NewS3Archive(ctx context.Context, cfg appconfig.S3Config, partitioning appconfig.PartitioningConfig) (*S3Archive, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Archive(client, cfg.Bucket, partitioning), nil
}

func newS3Archive(client s3API, bucket string, partitioning appconfig.PartitioningConfig) *S3Archive {
	return &S3Archive{
		bucket:       bucket,
		partitioning: partitioning,
		client:       client,
		log:          logger.GetLogger(),
	}
}

// memFileWriter collects the parquet output in memory.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

func (a *S3Archive) Name() string { return "s3" }

func (a *S3Archive) WriteEvents(ctx context.Context, events []models.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	data, err := encodeParquet(new(eventRecord), len(events), func(i int) interface{} {
		e := events[i]
		return eventRecord{
			Venue:      e.Venue,
			Instrument: e.Instrument,
			OrderID:    e.OrderID,
			Sequence:   e.Sequence,
			Side:       string(e.Side),
			Price:      e.Price.String(),
			Size:       e.Size.String(),
			EventKind:  string(e.Kind),
			EventTime:  e.Timestamp.UnixMilli(),
			Received:   e.ReceivedAt.UnixMilli(),
		}
	})
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	first, last := events[0], events[len(events)-1]
	key := a.objectKey("events", first.Venue, first.Instrument, first.Timestamp,
		fmt.Sprintf("events_%020d_%020d.parquet", first.Sequence, last.Sequence))
	if err := a.upload(ctx, key, data); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	duration := time.Since(start)
	fields := logger.Fields{
		"s3_key":      key,
		"records":     len(events),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	a.log.WithComponent("s3_archive").WithFields(fields).Debug("event batch uploaded")
	return nil
}

// PublishSnapshot archives every resting order of snap, bids first.
func (a *S3Archive) PublishSnapshot(ctx context.Context, snap *models.Snapshot) error {
	type row struct {
		side  models.Side
		level int
		order models.SnapshotOrder
	}
	rows := make([]row, 0, len(snap.Bids)+len(snap.Asks))
	for i, o := range snap.Bids {
		rows = append(rows, row{models.SideBid, i, o})
	}
	for i, o := range snap.Asks {
		rows = append(rows, row{models.SideAsk, i, o})
	}

	data, err := encodeParquet(new(snapshotRecord), len(rows), func(i int) interface{} {
		r := rows[i]
		return snapshotRecord{
			Venue:      snap.Venue,
			Instrument: snap.Instrument,
			Sequence:   snap.Sequence,
			Snapshot:   snap.Timestamp.UnixMilli(),
			Side:       string(r.side),
			Level:      int32(r.level),
			OrderID:    r.order.OrderID,
			Price:      r.order.Price.String(),
			Size:       r.order.Size.String(),
		}
	})
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	key := a.objectKey("snapshots", snap.Venue, snap.Instrument, snap.Timestamp,
		fmt.Sprintf("snapshot_%020d.parquet", snap.Sequence))
	if err := a.upload(ctx, key, data); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func encodeParquet(schema interface{}, n int, record func(int) interface{}) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, schema, 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := 0; i < n; i++ {
		if err := pw.Write(record(i)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *S3Archive) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (a *S3Archive) objectKey(kind, venue, instrument string, ts time.Time, filename string) string {
	ts = ts.UTC()
	parts := []string{kind}
	for _, k := range a.partitioning.AdditionalKeys {
		switch k {
		case "venue":
			parts = append(parts, fmt.Sprintf("venue=%s", venue))
		case "instrument":
			parts = append(parts, fmt.Sprintf("instrument=%s", instrument))
		}
	}

	timePath := a.partitioning.TimeFormat
	timePath = strings.ReplaceAll(timePath, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", int(ts.Month())))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))
	if timePath != "" {
		parts = append(parts, timePath)
	}

	parts = append(parts, filename)
	return filepath.ToSlash(filepath.Join(parts...))
}
