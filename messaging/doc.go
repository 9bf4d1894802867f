// Package messaging implements the resilient consumption core: the broker
// abstraction, retry state tracking on message attributes, error-class
// driven payload transformation, the message router that decides between
// acknowledge, retry and dead letter, the dead letter manager, and the
// worker pool that drives it all.
package messaging
