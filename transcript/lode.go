package transcript

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// DefaultDataset is the Lode dataset id used when none is configured.
const DefaultDataset = "tether_transcript"

// DefaultFlushEvery is the number of buffered entries that triggers a write.
const DefaultFlushEvery = 64

// defaultSessionPartition stands in for the empty session id of a
// non-multiplexed server; Hive partition values cannot be empty.
const defaultSessionPartition = "_default"

// Partition keys, outermost first.
var partitionKeys = []string{"session_id", "day", "direction"}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses the default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing (MinIO, R2).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// NewS3Factory builds a Lode store factory backed by S3. Credentials come
// from the AWS SDK default chain (env vars, shared config, IAM role).
func NewS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, WrapInitError(fmt.Errorf("failed to load AWS config: %w", err), s3cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}, nil
}

// NewDataset opens the transcript dataset. Reader and writer share the
// layout and codec.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// NewFSDataset opens the transcript dataset under root on the local
// filesystem.
func NewFSDataset(dataset, root string) (lode.Dataset, error) {
	return NewDataset(dataset, lode.NewFSFactory(root))
}

// NewS3Dataset opens the transcript dataset in S3.
func NewS3Dataset(ctx context.Context, dataset string, s3cfg S3Config) (lode.Dataset, error) {
	factory, err := NewS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewDataset(dataset, factory)
}

// LodeRecorder buffers entries and writes them to a Lode dataset in
// batches, partitioned by session, UTC day and direction. Each batch becomes
// one snapshot.
type LodeRecorder struct {
	dataset    lode.Dataset
	flushEvery int

	mu      sync.Mutex
	pending []any
	closed  bool
}

// NewLodeRecorder creates a recorder over ds. flushEvery <= 0 uses
// DefaultFlushEvery.
func NewLodeRecorder(ds lode.Dataset, flushEvery int) *LodeRecorder {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &LodeRecorder{dataset: ds, flushEvery: flushEvery}
}

// NewFSLodeRecorder creates a recorder writing under root on the local
// filesystem.
func NewFSLodeRecorder(dataset, root string, flushEvery int) (*LodeRecorder, error) {
	ds, err := NewFSDataset(dataset, root)
	if err != nil {
		return nil, err
	}
	return NewLodeRecorder(ds, flushEvery), nil
}

// NewS3LodeRecorder creates a recorder writing to S3.
func NewS3LodeRecorder(ctx context.Context, dataset string, s3cfg S3Config, flushEvery int) (*LodeRecorder, error) {
	ds, err := NewS3Dataset(ctx, dataset, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewLodeRecorder(ds, flushEvery), nil
}

// Record buffers e, writing the batch once it reaches the flush size.
func (r *LodeRecorder) Record(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	r.pending = append(r.pending, toRecord(e))
	if len(r.pending) < r.flushEvery {
		return nil
	}
	return r.flushLocked(ctx)
}

// Flush writes buffered entries.
func (r *LodeRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *LodeRecorder) flushLocked(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if _, err := r.dataset.Write(ctx, r.pending, lode.Metadata{}); err != nil {
		return WrapWriteError(err, string(r.dataset.ID()))
	}
	r.pending = nil
	return nil
}

// Close writes what is still buffered. Further Records fail.
func (r *LodeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.flushLocked(context.Background())
}

// ReadDataset returns the entries stored in ds, oldest first. A non-empty
// sessionID restricts the result to that session's snapshots.
func ReadDataset(ctx context.Context, ds lode.Dataset, sessionID string) ([]Entry, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, string(ds.ID()))
	}

	var entries []Entry
	for _, snap := range snapshots {
		if sessionID != "" && !snapshotHasSession(snap, sessionID) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, string(ds.ID()))
		}
		for _, rec := range data {
			e, err := fromRecord(rec)
			if err != nil {
				return nil, err
			}
			if sessionID != "" && e.SessionID != sessionID {
				continue
			}
			entries = append(entries, e)
		}
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return entries, nil
}

// toRecord flattens e into the map shape the JSONL codec and Hive layout
// expect.
func toRecord(e Entry) map[string]any {
	return map[string]any{
		"session_id": cmp.Or(e.SessionID, defaultSessionPartition),
		"day":        e.Timestamp.UTC().Format("2006-01-02"),
		"direction":  string(e.Direction),
		"method":     e.Method,
		"params":     e.Params,
		"timestamp":  e.Timestamp.UTC(),
	}
}

func fromRecord(rec any) (Entry, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to re-encode transcript record: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode transcript record: %w", err)
	}
	if e.SessionID == defaultSessionPartition {
		e.SessionID = ""
	}
	return e, nil
}

func snapshotHasSession(snap *lode.DatasetSnapshot, sessionID string) bool {
	if snap.Manifest == nil {
		return false
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, "session_id", sessionID) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks a Hive path for an exact key=value segment,
// so s-1 does not match s-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for part := range strings.SplitSeq(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
