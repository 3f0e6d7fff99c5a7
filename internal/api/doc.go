// Package api exposes the REST surface for driving trading sessions:
// creation, deposit checks, start/stop, strategy changes and fund sweeps.
// It is a thin adapter over the session manager with no state of its own.
package api
