// Package extract coerces model output into caller-defined Go types. The
// system prompt demands bare JSON in the shape of the target type, responses
// are stripped of code fences before decoding, and undecodable or empty
// output fails with EXTRACTION_PARSE rather than being retried.
package extract
