// Package progress carries crawl progress events from running jobs to
// interested consumers. A Hub batches events from many producers and
// fans the batches out to pluggable sinks (logs, metrics, broadcast)
// without ever blocking the producer.
package progress
