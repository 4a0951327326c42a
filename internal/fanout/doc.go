// Package fanout distributes room events between service instances.
// The Redis bus backs multi-instance deployments; the in-memory bus
// serves single-instance runs and tests.
package fanout
