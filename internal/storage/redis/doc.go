// Package redis implements the completion cache store on Redis so that
// several relay instances share one response cache. Entries are written
// with SET EX and expire server-side.
package redis
