package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// DeadLetterSink receives deliveries that exhausted their retry budget
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Publisher is the subset of *nsq.Producer used for dead letters
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQDeadLetters publishes dead letters as JSON to an NSQ topic
type NSQDeadLetters struct {
	producer Publisher
	topic    string
}

func NewNSQDeadLetters(producer Publisher, topic string) *NSQDeadLetters {
	return &NSQDeadLetters{producer: producer, topic: topic}
}

// NewNSQProducer returns a producer for nsqdAddr with quiet logging
func NewNSQProducer(nsqdAddr string) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return producer, nil
}

func (n *NSQDeadLetters) PublishDeadLetter(_ context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, body); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", n.topic, err)
	}
	return nil
}
