// Package pool manages the set of media workers and assigns new routers
// to them. Worker selection is pluggable, with round-robin and
// least-loaded strategies built in.
package pool
