package queue

import (
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
	"gopkg.in/yaml.v2"
)

type rabbitmq struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbitMQ(url string) (Channel, error) {
	conn, err := amqp.Dial(url)

	if err != nil {
		return nil, errors.Wrap(err, "rabbitmq dial")
	}

	ch, err := conn.Channel()

	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbitmq channel")
	}

	return &rabbitmq{conn: conn, ch: ch}, nil
}

func (r *rabbitmq) CreateQueue(queue string) error {
	_, err := r.ch.QueueDeclare(queue, true, false, false, false, nil)
	return errors.Wrapf(err, "declare queue %s", queue)
}

func (r *rabbitmq) Consume(queue string, data interface{}) (Delivery, bool, error) {
	msg, ok, err := r.ch.Get(queue, false)

	if err != nil {
		return nil, false, errors.Wrapf(err, "get from %s", queue)
	}

	if !ok {
		return nil, false, nil
	}

	delivery := &rabbitmqDelivery{queue: queue, msg: msg}

	if err := yaml.Unmarshal(msg.Body, data); err != nil {
		_ = delivery.Nack(false)
		return nil, false, errors.Wrapf(err, "decode message from %s", queue)
	}

	return delivery, true, nil
}

func (r *rabbitmq) Publish(queue string, data interface{}) error {
	body, err := yaml.Marshal(data)

	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	err = r.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "text/yaml",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})

	return errors.Wrapf(err, "publish to %s", queue)
}

func (r *rabbitmq) Close() error {
	_ = r.ch.Close()
	return r.conn.Close()
}
