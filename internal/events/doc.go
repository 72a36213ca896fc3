// Package events carries the relay's observable lifecycle events (request
// started, retry attempted, cache hit/miss, extraction and remote failures)
// to pluggable sinks: structured logs, RabbitMQ, or a fan-out of both.
// Delivery is fire-and-forget and never alters the request outcome.
package events
