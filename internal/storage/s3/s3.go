// Package s3 implements a persistence strategy on an S3 bucket. It serves the
// network stage like the Redis strategy, for build fleets that share object
// storage instead of a Redis server.
//
// Each entry is one object named after the xxhash of its identifier. The
// object body is a msgpack envelope carrying the identifier, the etag and the
// payload, so a restore needs a single GET. Identifiers stored since the last
// checkpoint are merged into an index object by AfterAllStored.
package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundlecache/bundlecache/internal/circuit"
	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

const (
	defaultRegion       = "us-east-1"
	defaultQueryTimeout = 10 * time.Second

	indexObject = "__index"
	depsObject  = "__build_dependencies"

	// DeleteObjects accepts at most this many keys per request
	deleteBatch = 1000
)

// Config configures an S3 Strategy
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix namespaces every object as "<prefix>/<name>"
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint points the client at an S3-compatible store such as MinIO
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// Static credentials; when empty the default AWS credential chain is used
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	QueryTimeout time.Duration `yaml:"query_timeout"`

	Retry   *retry.Config           `yaml:"retry"`
	Breaker *circuit.Config         `yaml:"breaker"`
	Logger  *utils.StructuredLogger `yaml:"-"`
}

// API is the subset of *s3.Client the Strategy calls.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// envelope is the body of an entry object
type envelope struct {
	Identifier string `msgpack:"i"`
	Etag       string `msgpack:"e"`
	StoredAt   int64  `msgpack:"t"`
	Data       []byte `msgpack:"d"`
}

// indexRecord is one line of the index object, keyed by identifier
type indexRecord struct {
	Etag     string `msgpack:"e"`
	Key      string `msgpack:"k"`
	Size     int64  `msgpack:"s"`
	StoredAt int64  `msgpack:"t"`
}

// Strategy is a types.Strategy storing one object per entry
type Strategy struct {
	api          API
	bucket       string
	prefix       string
	queryTimeout time.Duration
	retryer      *retry.Retryer
	breaker      *circuit.Breaker
	logger       *utils.StructuredLogger

	mu      sync.Mutex
	pending map[string]indexRecord
}

// Dial builds an S3 client from config and checks that the bucket is
// reachable.
func Dial(ctx context.Context, cfg *Config) (*Strategy, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "s3 bucket is required").
			WithComponent("s3")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	// retries go through the strategy's retryer
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigLoad, "loading AWS configuration").
			WithComponent("s3").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// not every S3-compatible store understands the default checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	s := New(client, cfg)
	if err := s.ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(api API, cfg *Config) *Strategy {
	if cfg == nil {
		cfg = &Config{}
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	retryConfig := retry.DefaultConfig()
	if cfg.Retry != nil {
		retryConfig = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Strategy{
		api:          api,
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		queryTimeout: timeout,
		retryer:      retry.New(retryConfig),
		logger:       logger.WithComponent("s3"),
		pending:      make(map[string]indexRecord),
	}
	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		if bc.OnStateChange == nil {
			bc.OnStateChange = func(name string, from, to circuit.State) {
				s.logger.Warn("s3 circuit changed state", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			}
		}
		s.breaker = circuit.New("s3", bc)
	}
	return s
}

func (s *Strategy) guard(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// Breaker returns the circuit breaker, or nil when none is configured.
func (s *Strategy) Breaker() *circuit.Breaker {
	return s.breaker
}

func (s *Strategy) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *Strategy) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// objectKey names the object holding identifier. Identifiers are module
// request strings, so they are hashed into a key-safe form.
func (s *Strategy) objectKey(identifier string) string {
	return s.key(fmt.Sprintf("%016x", xxhash.Sum64String(identifier)))
}

func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var re *awshttp.ResponseError
	return stderr.As(err, &re) && re.HTTPStatusCode() == 404
}

// classify maps a client error onto a coded error. Transport failures,
// throttling and server errors are retryable, other rejections are not.
func classify(err error, op string) error {
	code := errors.ErrCodeConnectionFailed
	var re *awshttp.ResponseError
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeConnectionTimeout
	case stderr.As(err, &re) && re.HTTPStatusCode() < 500 && re.HTTPStatusCode() != 429:
		code = errors.ErrCodeOperationFailed
	}
	e := errors.NewError(code, "s3 "+op+" failed").
		WithComponent("s3").
		WithOperation(op).
		WithCause(err)
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		e = e.WithDetail("s3_code", apiErr.ErrorCode())
	}
	return e
}

// get reads an object. A missing object returns nil data and no error.
func (s *Strategy) get(ctx context.Context, key, op string) ([]byte, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	out, err := s.api.GetObject(qctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err, op)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, classify(err, op)
	}
	return data, nil
}

func (s *Strategy) put(ctx context.Context, key string, data []byte, op string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.api.PutObject(qctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/msgpack"),
	})
	if err != nil {
		return classify(err, op)
	}
	return nil
}

// Store implements types.Strategy
func (s *Strategy) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	now := time.Now()
	data, err := msgpack.Marshal(&envelope{
		Identifier: identifier,
		Etag:       string(etag),
		StoredAt:   now.UnixMilli(),
		Data:       payload,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encoding entry")
	}
	key := s.objectKey(identifier)
	err = s.guard(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return s.put(ctx, key, data, "store")
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[identifier] = indexRecord{
		Etag:     string(etag),
		Key:      key,
		Size:     int64(len(payload)),
		StoredAt: now.UnixMilli(),
	}
	s.mu.Unlock()
	return nil
}

// Restore implements types.Strategy. An open breaker turns the lookup into
// a miss.
func (s *Strategy) Restore(ctx context.Context, identifier string, etag types.Etag) ([]byte, bool, error) {
	var data []byte
	err := s.guard(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.get(ctx, s.objectKey(identifier), "restore")
		return err
	})
	if circuit.Rejected(err) {
		s.logger.Debug("s3 restore skipped, circuit open", map[string]interface{}{"identifier": identifier})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		s.logger.Warn("ignoring unreadable s3 entry", map[string]interface{}{
			"identifier": identifier,
			"error":      err.Error(),
		})
		return nil, false, nil
	}
	// a different identifier means the key hash collided
	if env.Identifier != identifier || types.Etag(env.Etag) != etag {
		return nil, false, nil
	}
	return env.Data, true, nil
}

// StoreBuildDependencies implements types.BuildDependencyStorer
func (s *Strategy) StoreBuildDependencies(ctx context.Context, deps []string) error {
	data, err := msgpack.Marshal(deps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encoding build dependencies")
	}
	return s.put(ctx, s.key(depsObject), data, "store_build_dependencies")
}

// BuildDependencies returns the stored build dependency list.
func (s *Strategy) BuildDependencies(ctx context.Context) ([]string, error) {
	data, err := s.get(ctx, s.key(depsObject), "build_dependencies")
	if err != nil || data == nil {
		return nil, err
	}
	var deps []string
	if err := msgpack.Unmarshal(data, &deps); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageCorrupt, "decoding build dependencies").
			WithComponent("s3").
			WithCause(err)
	}
	return deps, nil
}

func (s *Strategy) readIndex(ctx context.Context) (map[string]indexRecord, error) {
	data, err := s.get(ctx, s.key(indexObject), "read_index")
	if err != nil {
		return nil, err
	}
	index := make(map[string]indexRecord)
	if data == nil {
		return index, nil
	}
	if err := msgpack.Unmarshal(data, &index); err != nil {
		s.logger.Warn("rebuilding unreadable s3 index", map[string]interface{}{"error": err.Error()})
		return make(map[string]indexRecord), nil
	}
	return index, nil
}

// AfterAllStored implements types.Strategy. Objects are durable once their
// PUT returns, so the checkpoint merges the identifiers stored since the last
// one into the index object. With nothing pending it only checks the bucket
// is reachable.
func (s *Strategy) AfterAllStored(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]indexRecord)
	s.mu.Unlock()

	if len(pending) == 0 {
		return s.guard(ctx, s.ping)
	}

	err := s.guard(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			index, err := s.readIndex(ctx)
			if err != nil {
				return err
			}
			for id, rec := range pending {
				index[id] = rec
			}
			data, err := msgpack.Marshal(index)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternalError, "encoding index")
			}
			return s.put(ctx, s.key(indexObject), data, "write_index")
		})
	})
	if err != nil {
		// keep the records for the next checkpoint unless newer ones replaced them
		s.mu.Lock()
		for id, rec := range pending {
			if _, ok := s.pending[id]; !ok {
				s.pending[id] = rec
			}
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Strategy) ping(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := s.api.HeadBucket(qctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return classify(err, "ping")
	}
	return nil
}

// Entries implements types.Lister. Records stored since the last checkpoint
// are included.
func (s *Strategy) Entries(ctx context.Context) ([]types.IndexEntry, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for id, rec := range s.pending {
		index[id] = rec
	}
	s.mu.Unlock()

	out := make([]types.IndexEntry, 0, len(index))
	for id, rec := range index {
		out = append(out, types.IndexEntry{
			Identifier: id,
			Etag:       types.Etag(rec.Etag),
			File:       rec.Key,
			Size:       rec.Size,
			StoredAt:   time.UnixMilli(rec.StoredAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Clear implements types.Resetter by dropping the records not yet
// checkpointed. Objects in the bucket are untouched.
func (s *Strategy) Clear() {
	s.mu.Lock()
	s.pending = make(map[string]indexRecord)
	s.mu.Unlock()
}

// Purge deletes every indexed entry, the build dependency list and the index.
// With a prefix set, every other object under the prefix goes too, which
// catches entries stored by a process that never reached a checkpoint.
func (s *Strategy) Purge(ctx context.Context) error {
	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	keys := make(map[string]struct{}, len(index)+2)
	for _, rec := range index {
		keys[rec.Key] = struct{}{}
	}
	keys[s.key(indexObject)] = struct{}{}
	keys[s.key(depsObject)] = struct{}{}

	if s.prefix != "" {
		paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix + "/"),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return classify(err, "purge")
			}
			for _, obj := range page.Contents {
				keys[aws.ToString(obj.Key)] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for start := 0; start < len(sorted); start += deleteBatch {
		end := start + deleteBatch
		if end > len(sorted) {
			end = len(sorted)
		}
		if err := s.deleteKeys(ctx, sorted[start:end]); err != nil {
			return err
		}
	}

	s.Clear()
	s.logger.Info("s3 cache purged", map[string]interface{}{"entries": len(index)})
	return nil
}

func (s *Strategy) deleteKeys(ctx context.Context, keys []string) error {
	objects := make([]s3types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(k)}
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	out, err := s.api.DeleteObjects(qctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return classify(err, "purge")
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return errors.NewError(errors.ErrCodeStorageWrite, "s3 purge left objects behind").
			WithComponent("s3").
			WithOperation("purge").
			WithDetail("failed", len(out.Errors)).
			WithDetail("key", aws.ToString(first.Key)).
			WithDetail("s3_code", aws.ToString(first.Code))
	}
	return nil
}

// Close implements io.Closer. The SDK client holds no resources to release.
func (s *Strategy) Close() error {
	return nil
}
