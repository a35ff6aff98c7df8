// Package audit implements async event dispatching for authentication and
// authorization decisions.
//
// # Components
//
//   - [Sink] is the interface for event consumers (channel, JSON writer, appender, no-op).
//   - [Appender] is the durable write-once log contract implemented by the SQL store.
//   - [Dispatcher] is a buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event] is the record: actor, account, resource, outcome, timestamp and network origin.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; that belongs to the Engine.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Drop an event without logging it.
//   - Import careAuth or any sibling internal package.
package audit
