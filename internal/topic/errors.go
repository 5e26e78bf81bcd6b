package topic

import "errors"

var (
	// ErrTopicNotRunning is returned by writes and subscription changes on a
	// topic that was not started or is stopping.
	ErrTopicNotRunning = errors.New("topic: not running")

	// ErrWriterClosed is returned by a Writer after Close or after its ack
	// handler failed.
	ErrWriterClosed = errors.New("topic: writer closed")

	// ErrSubscriberClosed is returned by Complete on a Subscriber that was
	// closed, replaced, or stopped on an error.
	ErrSubscriberClosed = errors.New("topic: subscriber closed")

	ErrSubscriptionExists   = errors.New("topic: subscription already exists")
	ErrSubscriptionNotFound = errors.New("topic: subscription not found")

	// ErrStartOutOfRange is returned when a subscription start id is no longer
	// retained or lies beyond the next id to be written.
	ErrStartOutOfRange = errors.New("topic: start id out of range")

	// ErrMessageNotRetained is the cause of a Subscriber failure when its
	// cursor points below the retained range.
	ErrMessageNotRetained = errors.New("topic: message no longer retained")
)
