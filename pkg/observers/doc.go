// Package observers provides the event bus consumers of a deployment run:
// a styled console printer, a structured log writer, a JSON-lines file
// writer, a Prometheus metrics recorder and a journal that persists events
// to the state store.
//
// Observers never influence the run. Errors they return are reported on the
// bus diagnostic logger.
package observers
