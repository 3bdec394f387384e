// Package metrics exposes session, archive and refresher statistics to
// Prometheus.
//
// Values are read from the components' Stats methods at scrape time, so the
// hot paths only maintain their own atomic counters.
//
// Key metrics:
//   - iot_stream_connection_state and connect/loss counters
//   - iot_stream_buffer_* ring occupancy and overwrites
//   - iot_stream_archive_* writer inserts, conflicts and drops
//   - iot_stream_refresh_* credential refresh attempts
package metrics
