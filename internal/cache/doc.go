// Package cache deduplicates completion requests by a content-derived key.
// The Layer consults a Store before calling the remote client and writes
// successful responses back with a TTL. Store failures degrade to cache
// misses and never fail the request.
package cache
