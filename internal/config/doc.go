/*
Package config loads the cache configuration.

Values are layered: compiled-in defaults from NewDefault, then a YAML file
via LoadFromFile, then BUNDLECACHE_* environment variables via LoadFromEnv.
Validate fails fast on values that would otherwise surface as odd runtime
behavior.

	persistence:
	  mode: idle            # write-through | background | idle | none
	  directory: node_modules/.cache/bundlecache
	  idle:
	    timeout: 60s
	    timeout_for_initial_store: 5s
	    timeout_after_large_changes: 1s
	memory:
	  max_generations: 5    # 0 keeps every entry in memory
	remote:
	  enabled: true
	  kind: redis           # redis | s3
	  address: cache.internal:6379
	  ttl: 168h
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 30s
	  # kind: s3 stores entries in a bucket instead
	  # bucket: build-cache
	  # region: eu-west-1
	  # endpoint: http://minio:9000
	  # force_path_style: true
	global:
	  log_file: /var/log/bundlecache.log
	  log_max_size_mb: 10   # 0 disables rotation
	  log_max_backups: 3

Environment variables:

	BUNDLECACHE_LOG_LEVEL, BUNDLECACHE_LOG_FORMAT, BUNDLECACHE_LOG_FILE
	BUNDLECACHE_MAX_GENERATIONS
	BUNDLECACHE_PERSISTENCE_MODE, BUNDLECACHE_CACHE_DIR, BUNDLECACHE_COMPRESSION
	BUNDLECACHE_IDLE_TIMEOUT, BUNDLECACHE_IDLE_TIMEOUT_FOR_INITIAL_STORE,
	BUNDLECACHE_IDLE_TIMEOUT_AFTER_LARGE_CHANGES
	BUNDLECACHE_REMOTE_ADDR (enables the remote tier), BUNDLECACHE_REMOTE_PASSWORD,
	BUNDLECACHE_REMOTE_PREFIX, BUNDLECACHE_REMOTE_TTL, BUNDLECACHE_REMOTE_KIND
	BUNDLECACHE_REMOTE_BUCKET (enables the s3 remote tier), BUNDLECACHE_REMOTE_REGION,
	BUNDLECACHE_REMOTE_ENDPOINT
	BUNDLECACHE_METRICS_ENABLED, BUNDLECACHE_METRICS_ADDR
*/
package config
