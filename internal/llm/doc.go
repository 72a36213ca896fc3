// Package llm defines the completion contract shared by every layer of the
// relay. The remote client, the retry policy, the rate limiter and the cache
// all speak CompletionRequest/CompletionResult, so each can be decorated or
// replaced by a fake without touching the others.
package llm
