// Package model defines the value types that flow through the attribution
// measurement pipeline: queued registrations, parsed sources and triggers,
// generated reports, and the durable key-value records backing redirect
// accounting.
//
// All types are plain structs with validating helpers; construction errors
// are typed so callers can distinguish validation failures from programming
// invariant violations. Timestamps are int64 milliseconds since the Unix
// epoch throughout, matching the datastore representation.
package model
