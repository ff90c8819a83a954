/*
Package metrics provides Prometheus metrics for the data-find server.

The Collector owns a private registry. It observes the inventory and
access-list stores (it implements store.Observer) and times every query.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "datafind",
	})
	if err != nil {
		log.Fatal(err)
	}

	inv := store.New(cfg, loader, store.WithObserver[*inventory.Index](collector))
	mux.Handle("/metrics", collector.Handler())

# Exported metrics

Counters:
  - datafind_refresh_total{store,result}: refresh cycles, result is success, unchanged or failure
  - datafind_malformed_lines_total{store}: malformed lines skipped in published snapshots
  - datafind_queries_total{operation,status}: queries, status is ok, empty or error
  - datafind_authorization_total{result}: allow and deny decisions

Gauges:
  - datafind_snapshot_generation{store}
  - datafind_snapshot_entries{store}
  - datafind_last_refresh_success_timestamp_seconds{store}

Histograms:
  - datafind_query_duration_seconds{operation}
  - datafind_query_results{operation}

A disabled Collector accepts every call and records nothing; its Handler
responds 404.
*/
package metrics
