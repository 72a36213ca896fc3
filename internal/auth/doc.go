// Package auth guards the relay API with static bearer tokens and writes an
// audit log entry for every request.
package auth
