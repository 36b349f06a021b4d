/*
Package metrics exports attachment storage metrics in the Prometheus format.

The Collector is handed to each layer as its observer:

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}

	policy := session.NewPolicy(pool, retryConfig, collector, logger)
	pipeline := transfer.New(policy, resolver, transferConfig, collector, logger)
	compressor := compress.New(compressConfig, collector, logger)
	overlay, err := cache.New(cacheConfig, collector, logger)

Pool and cache gauges are read at scrape time:

	_ = collector.RegisterPool(pool.Stats)

# Exported series

	remote_operations_total{operation,outcome}   attempts by failure class
	remote_operation_duration_seconds{operation}
	remote_retries_total{operation}
	transfers_total{operation,status}            uploads, downloads, deletes
	transfer_duration_seconds{operation}
	transfer_size_bytes{operation}
	compressions_total{outcome}
	compression_saved_bytes_total
	cache_requests_total{tier,result}
	cache_size_bytes{tier}, cache_entries{tier}
	pool_sessions_active, pool_sessions_idle, pool_waiters, pool_sessions_max,
	pool_sessions_created, pool_acquire_timeouts

Handler serves the registry; the HTTP API mounts it at Path. When Port is set,
Start serves it on a dedicated listener instead.
*/
package metrics
