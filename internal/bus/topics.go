package bus

import (
	"fmt"
	"hash/fnv"

	"github.com/ferrobank/teller/internal/domain/event"
)

// TopicResolver maps event types onto broker topics by their domain, the
// segment before the first dot of the type name.
type TopicResolver struct {
	topics   map[string]string
	fallback string
}

// NewTopicResolver creates a resolver from a domain-to-topic map. Events
// whose domain has no mapping resolve to the fallback topic; an empty
// fallback makes unmapped domains an error.
func NewTopicResolver(topics map[string]string, fallback string) *TopicResolver {
	resolved := make(map[string]string, len(topics))
	for domain, topic := range topics {
		resolved[domain] = topic
	}
	return &TopicResolver{topics: resolved, fallback: fallback}
}

// Resolve returns the topic for an event type.
func (r *TopicResolver) Resolve(evtType event.Type) (string, error) {
	if topic, ok := r.topics[evtType.Domain()]; ok {
		return topic, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("no topic for event domain %q", evtType.Domain())
}

// Topics returns every distinct topic the resolver can produce.
func (r *TopicResolver) Topics() []string {
	seen := make(map[string]bool, len(r.topics)+1)
	var topics []string
	for _, topic := range r.topics {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	if r.fallback != "" && !seen[r.fallback] {
		topics = append(topics, r.fallback)
	}
	return topics
}

// partition maps an aggregate id onto one of n partitions. Events of one
// aggregate always land in the same partition, preserving their order.
func partition(aggregateID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(n))
}

// streamName is the Redis stream for one partition of a topic.
func streamName(topic string, part int) string {
	return fmt.Sprintf("%s.p%d", topic, part)
}
