// Package bootstrap assembles the relay from configuration: credentials,
// the completion client with rate limiting and retry, the cache store,
// the extractor, metrics, event sinks and the HTTP server.
package bootstrap
