// Package tell stores messages for absent users and delivers them the next
// time the recipient is seen in the channel the message was left in.
//
// The store is the source of truth. Service keeps a counter cache so that the
// hot path, a presence signal for someone with nothing pending, never touches
// storage. Chat-network specifics stay behind Emitter, Presence and Resolver.
package tell
