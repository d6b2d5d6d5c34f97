// Package protocol defines the JSON messages exchanged with browser and
// terminal clients over the persistent connection.
//
// Every frame is a JSON object with a "type" discriminator. Inbound frames
// (client to server) decode into one of StartSession, UserMessage,
// PermissionResponse, InterruptSession or Sync. Outbound frames are built
// from the Outbound variants and rendered with EncodeOutbound.
//
// Both sets are closed: the unexported marker methods keep other packages
// from adding variants, so a type switch over Inbound in the transport is
// exhaustive.
package protocol
