// Package types contains the core domain types shared across all FastQ
// internal packages. It deliberately has zero imports of other FastQ packages
// so that the storage layer, the topic engine and the transports can all
// import it without creating import cycles.
package types

import "time"

// Message is the canonical, immutable unit of data in FastQ.
//
// Design rules:
//   - ID is assigned by the owning topic: strictly increasing by exactly 1 per
//     message, starting at 1 for a new topic.
//   - EnqueuedAt is stamped once per write batch, in UTC.
//   - Body is never copied by the broker. Once a message has been written the
//     bytes must not be modified by anyone.
type Message struct {
	ID         int64     `json:"id"`
	EnqueuedAt time.Time `json:"timestamp"`
	Body       []byte    `json:"body"`
}

// PublisherAck is the cumulative confirmation sent to a writer: every write
// tagged with a sequence number <= SequenceNumber is durable.
type PublisherAck struct {
	SequenceNumber int64
	Timestamp      time.Time
}

// SubscriptionConfig is the durable identity of a subscription. ID is a ULID
// that stays stable across restarts and keys the subscription's cursor.
type SubscriptionConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
