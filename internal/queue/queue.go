package queue

// Channel carries YAML encoded messages.
type Channel interface {
	CreateQueue(queue string) (err error)
	Publish(queue string, data interface{}) (err error)
	// Consume fetches a single message into data. ok is false when the queue
	// is empty.
	Consume(queue string, data interface{}) (delivery Delivery, ok bool, err error)
	Close() error
}

type Delivery interface {
	Ack() error
	Nack(requeue bool) error
}
