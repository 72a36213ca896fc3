// Command relayctl is the operator CLI for relayd: it sends completions and
// extractions, prints stats, and derives cache keys offline.
package main
