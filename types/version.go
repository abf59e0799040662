package types

// Version is the canonical project version.
// The CLI, the spawned echo client and the notification contract share it.
const Version = "0.3.0"

// ProtocolVersion is the fixed dialect marker carried in every command's
// "jsonrpc" field. It documents the wire dialect and is never used for dispatch.
const ProtocolVersion = "2.0"
