/*
Package metrics provides Prometheus-based metrics collection for the HTTP
boundary, task processing and blob storage.

The Collector registers all metrics through promauto under a single
namespace. HTTP status codes are grouped into 2xx/3xx/4xx/5xx classes to keep
label cardinality bounded; task transitions are labeled by from/to state so
dashboards can watch the pending/running/succeeded/failed flow directly.
*/
package metrics
