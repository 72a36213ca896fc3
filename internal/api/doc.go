// Package api exposes the relay over HTTP: cached completions, structured
// extraction (single and batch), a metrics summary and a health probe.
// Errors are returned as JSON with the coded error name and a status mapped
// from the error code.
package api
