// Package metrics exposes Prometheus metrics for the tunnel client.
//
// Collectors are registered with the default registry at package init.
// Serve Handler() somewhere to scrape them:
//
//	http.Handle("/metrics", metrics.Handler())
package metrics
