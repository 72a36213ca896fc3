// Package relay is a typed Go client for the relayd HTTP API.
package relay
