// Package eventbus ships gateway activity events to Kafka and reads them back.
package eventbus

import (
	"context"
	"fmt"
	"strings"

	"astrograph/pkg/stream"
)

type Publisher interface {
	Publish(ctx context.Context, evt stream.Event) error
	Close() error
}

type Consumer interface {
	Read(ctx context.Context) (stream.Event, error)
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// ParseBrokers splits a comma list, dropping blanks.
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) validate(needGroup bool) (Config, error) {
	var brokers []string
	for _, b := range c.Brokers {
		brokers = append(brokers, ParseBrokers(b)...)
	}
	if len(brokers) == 0 {
		return c, fmt.Errorf("kafka brokers required")
	}
	c.Brokers = brokers
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		return c, fmt.Errorf("kafka topic required")
	}
	c.GroupID = strings.TrimSpace(c.GroupID)
	if needGroup && c.GroupID == "" {
		return c, fmt.Errorf("kafka group id required")
	}
	return c, nil
}
