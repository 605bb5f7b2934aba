// Package remote implements a persistence strategy on Redis, letting several
// build machines share one cache at the network stage.
package remote

import (
	"context"
	stderr "errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundlecache/bundlecache/internal/circuit"
	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

const (
	defaultQueryTimeout = 2 * time.Second

	fieldEtag     = "e"
	fieldData     = "d"
	fieldStoredAt = "t"

	indexKey = "__index"
	depsKey  = "__build_dependencies"
)

// Config configures a Redis Strategy
type Config struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces every key as "<prefix>:<identifier>"
	Prefix string `yaml:"prefix"`
	// TTL expires entries; zero keeps them until evicted by Redis
	TTL          time.Duration `yaml:"ttl"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	Retry *retry.Config `yaml:"retry"`
	// Breaker, when set, stops talking to an unreachable server until its
	// timeout passes. Restores then miss and stores fail fast.
	Breaker *circuit.Config         `yaml:"breaker"`
	Logger  *utils.StructuredLogger `yaml:"-"`
}

// Strategy is a types.Strategy storing one Redis hash per entry
type Strategy struct {
	client       *redis.Client
	ownsClient   bool
	prefix       string
	ttl          time.Duration
	queryTimeout time.Duration
	retryer      *retry.Retryer
	breaker      *circuit.Breaker
	logger       *utils.StructuredLogger
}

// Dial connects to config.Address. The returned Strategy owns the client and
// closes it in Close.
func Dial(ctx context.Context, config *Config) (*Strategy, error) {
	if config == nil || config.Address == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "redis address is required").
			WithComponent("remote")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	s := New(client, config)
	s.ownsClient = true

	if err := s.ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client *redis.Client, config *Config) *Strategy {
	if config == nil {
		config = &Config{}
	}
	timeout := config.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	retryConfig := retry.DefaultConfig()
	if config.Retry != nil {
		retryConfig = *config.Retry
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Strategy{
		client:       client,
		prefix:       config.Prefix,
		ttl:          config.TTL,
		queryTimeout: timeout,
		retryer:      retry.New(retryConfig),
		logger:       logger.WithComponent("remote"),
	}
	if config.Breaker != nil {
		bc := *config.Breaker
		if bc.OnStateChange == nil {
			bc.OnStateChange = func(name string, from, to circuit.State) {
				s.logger.Warn("remote circuit changed state", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			}
		}
		s.breaker = circuit.New("remote", bc)
	}
	return s
}

// guard runs fn through the breaker when one is configured.
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
	return s.prefix + ":" + name
}

// classify maps a client error onto a coded error. Timeouts and connection
// failures are retryable.
func classify(err error, op string) error {
	code := errors.ErrCodeConnectionFailed
	if stderr.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.NewError(code, "redis "+op+" failed").
		WithComponent("remote").
		WithOperation(op).
		WithCause(err)
}

// Store implements types.Strategy
func (s *Strategy) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	k := s.key(identifier)
	return s.guard(ctx, func(ctx context.Context) error {
		return s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			qctx, cancel := s.queryCtx(ctx)
			defer cancel()

			pipe := s.client.TxPipeline()
			pipe.HSet(qctx, k,
				fieldEtag, string(etag),
				fieldData, payload,
				fieldStoredAt, time.Now().UnixMilli())
			if s.ttl > 0 {
				pipe.Expire(qctx, k, s.ttl)
			}
			pipe.SAdd(qctx, s.key(indexKey), identifier)
			if _, err := pipe.Exec(qctx); err != nil {
				return classify(err, "store")
			}
			return nil
		})
	})
}

// Restore implements types.Strategy. An open breaker turns the lookup into
// a miss.
func (s *Strategy) Restore(ctx context.Context, identifier string, etag types.Etag) ([]byte, bool, error) {
	var values []interface{}
	err := s.guard(ctx, func(ctx context.Context) error {
		qctx, cancel := s.queryCtx(ctx)
		defer cancel()

		var err error
		values, err = s.client.HMGet(qctx, s.key(identifier), fieldEtag, fieldData).Result()
		if err != nil {
			return classify(err, "restore")
		}
		return nil
	})
	if circuit.Rejected(err) {
		s.logger.Debug("remote restore skipped, circuit open", map[string]interface{}{"identifier": identifier})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored, ok := values[0].(string)
	if !ok || types.Etag(stored) != etag {
		return nil, false, nil
	}
	data, ok := values[1].(string)
	if !ok {
		return nil, false, nil
	}
	return []byte(data), true, nil
}

// StoreBuildDependencies implements types.BuildDependencyStorer
func (s *Strategy) StoreBuildDependencies(ctx context.Context, deps []string) error {
	data, err := msgpack.Marshal(deps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "encoding build dependencies")
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Set(qctx, s.key(depsKey), data, s.ttl).Err(); err != nil {
		return classify(err, "store_build_dependencies")
	}
	return nil
}

// BuildDependencies returns the stored build dependency list.
func (s *Strategy) BuildDependencies(ctx context.Context) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.key(depsKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "build_dependencies")
	}
	var deps []string
	if err := msgpack.Unmarshal(data, &deps); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageCorrupt, "decoding build dependencies").
			WithComponent("remote").
			WithCause(err)
	}
	return deps, nil
}

// AfterAllStored implements types.Strategy. Writes are durable once Exec
// returns, so the checkpoint only confirms the server is reachable.
func (s *Strategy) AfterAllStored(ctx context.Context) error {
	return s.guard(ctx, s.ping)
}

func (s *Strategy) ping(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Ping(qctx).Err(); err != nil {
		return classify(err, "ping")
	}
	return nil
}

// Entries implements types.Lister. Identifiers whose hash expired are pruned
// from the index as they are found.
func (s *Strategy) Entries(ctx context.Context) ([]types.IndexEntry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	ids, err := s.client.SMembers(qctx, s.key(indexKey)).Result()
	if err != nil {
		return nil, classify(err, "entries")
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	metas := make([]*redis.SliceCmd, len(ids))
	sizes := make([]*redis.Cmd, len(ids))
	for i, id := range ids {
		metas[i] = pipe.HMGet(qctx, s.key(id), fieldEtag, fieldStoredAt)
		sizes[i] = pipe.Do(qctx, "HSTRLEN", s.key(id), fieldData)
	}
	if _, err := pipe.Exec(qctx); err != nil && err != redis.Nil {
		return nil, classify(err, "entries")
	}

	var (
		out   []types.IndexEntry
		stale []interface{}
	)
	for i, id := range ids {
		values := metas[i].Val()
		etag, ok := values[0].(string)
		if !ok {
			stale = append(stale, id)
			continue
		}
		entry := types.IndexEntry{
			Identifier: id,
			Etag:       types.Etag(etag),
			File:       s.key(id),
		}
		if n, err := sizes[i].Int64(); err == nil {
			entry.Size = n
		}
		if ms, ok := values[1].(string); ok {
			if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
				entry.StoredAt = time.UnixMilli(n)
			}
		}
		out = append(out, entry)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(qctx, s.key(indexKey), stale...).Err(); err != nil {
			s.logger.Warn("pruning expired identifiers failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return out, nil
}

// Purge deletes every entry recorded in the index, the build dependency list
// and the index itself.
func (s *Strategy) Purge(ctx context.Context) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	ids, err := s.client.SMembers(qctx, s.key(indexKey)).Result()
	if err != nil {
		return classify(err, "purge")
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	keys = append(keys, s.key(indexKey), s.key(depsKey))
	if err := s.client.Del(qctx, keys...).Err(); err != nil {
		return classify(err, "purge")
	}
	s.logger.Info("remote cache purged", map[string]interface{}{"entries": len(ids)})
	return nil
}

// Close closes the client when the Strategy created it.
func (s *Strategy) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
