// Package message defines the wire vocabulary shared by every component
// of the exercise: the message envelope, its closed set of typed
// payloads, team and priority enums, and the event declarations that
// ledger-affecting messages carry.
//
// Messages are immutable once created. Every message crossing a process
// boundary is encoded as a JSON object; timestamps are ISO-8601 UTC and
// unknown fields are ignored on decode for forward compatibility.
package message
