/*
Package metrics collects cache metrics on a dedicated Prometheus registry.

The Collector is handed to the bus as its cache.Observer, to persistence tiers
as their persist.Observer, and to the generational memory tier as its
OnCollect callback, so one value sees every lookup, store, write, flush and
collection.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9102",
		Namespace: "bundlecache",
	})
	if err != nil {
		return err
	}
	bus := cache.NewBus(&cache.BusConfig{Observer: collector})
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

Exported series:

	<ns>_lookups_total{tier,result}        lookups by answer (present, tombstone, unresolved)
	<ns>_lookup_duration_seconds{tier}
	<ns>_stores_total{tier,status}
	<ns>_persisted_writes_total{tier,status}
	<ns>_flush_duration_seconds{tier}
	<ns>_flushed_tasks_total{tier}
	<ns>_pending_tasks{tier}
	<ns>_memory_entries{state}             active or aged
	<ns>_evictions_total
	<ns>_generation
	<ns>_build_duration_seconds

When an address is configured, Start serves /metrics, /health and
/debug/operations, a per-operation summary in text or, with ?format=json, JSON.
*/
package metrics
