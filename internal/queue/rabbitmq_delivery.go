package queue

import (
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// rabbitmqDelivery settles a single message, never multiple.
type rabbitmqDelivery struct {
	queue string
	msg   amqp.Delivery
}

func (d *rabbitmqDelivery) Ack() error {
	return errors.Wrapf(d.msg.Ack(false), "ack message %d from %s", d.msg.DeliveryTag, d.queue)
}

func (d *rabbitmqDelivery) Nack(requeue bool) error {
	return errors.Wrapf(d.msg.Nack(false, requeue), "nack message %d from %s", d.msg.DeliveryTag, d.queue)
}
