package manager

import (
	"github.com/go-git/go-billy/v5"
	"github.com/redis/go-redis/v9"

	s3store "github.com/bundlecache/bundlecache/internal/storage/s3"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

type options struct {
	logger      *utils.StructuredLogger
	filesystem  billy.Filesystem
	redisClient *redis.Client
	s3Client    s3store.API
}

// Option customizes a Manager
type Option func(*options)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFilesystem stores the pack on fs instead of the configured directory.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) { o.filesystem = fs }
}

// WithRedisClient uses client for the remote tier instead of dialing the
// configured address. The caller keeps ownership of the client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

// WithS3Client stores remote entries through client instead of dialing the
// configured bucket.
func WithS3Client(client s3store.API) Option {
	return func(o *options) { o.s3Client = client }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
