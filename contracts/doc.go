// Package contracts defines the message model shared by every component:
// the Message type with its ordered attribute set, the retry attribute
// schema, error classification, and the dead letter record.
package contracts
