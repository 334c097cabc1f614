package queue

import (
	"time"

	"github.com/pkg/errors"
)

const (
	EventsQueue = "gpuspot.events"
	AlertsQueue = "gpuspot.alerts"
)

type EventType string

const (
	EventTransition EventType = "transition"
	EventOutcome    EventType = "outcome"
	EventAlert      EventType = "alert"
)

type Event struct {
	RunID      string    `yaml:"runId"`
	Type       EventType `yaml:"type"`
	Phase      string    `yaml:"phase"`
	InstanceID string    `yaml:"instanceId,omitempty"`
	Message    string    `yaml:"message,omitempty"`
	ExitCode   int       `yaml:"exitCode,omitempty"`
	Time       time.Time `yaml:"time"`
}

// Notifier publishes lifecycle events. Alerts are also published to the
// alerts queue so they can be consumed separately.
type Notifier struct {
	channel Channel
}

func NewNotifier(channel Channel) (*Notifier, error) {
	for _, queue := range []string{EventsQueue, AlertsQueue} {
		if err := channel.CreateQueue(queue); err != nil {
			return nil, err
		}
	}

	return &Notifier{channel: channel}, nil
}

func (n *Notifier) Notify(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	if err := n.channel.Publish(EventsQueue, event); err != nil {
		return errors.Wrap(err, "notify")
	}

	if event.Type != EventAlert {
		return nil
	}

	return errors.Wrap(n.channel.Publish(AlertsQueue, event), "alert")
}
