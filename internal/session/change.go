package session

import (
	"fmt"
	"strings"
)

// Change is a runtime configuration change. The concrete types are
// TopicsChanged, PublishRequested and QueueSizeChanged.
type Change interface {
	change()
}

// TopicsChanged replaces the topic set.
type TopicsChanged struct {
	Topics []string
}

// PublishRequested sends one message.
type PublishRequested struct {
	Topic   string
	Payload any
}

// QueueSizeChanged resizes the message ring.
type QueueSizeChanged struct {
	Size int
}

func (TopicsChanged) change()    {}
func (PublishRequested) change() {}
func (QueueSizeChanged) change() {}

// Apply applies c to the session.
//
// TopicsChanged is always stored and re-subscribed when connected; while
// disconnected it takes effect on the next connect. PublishRequested fails
// with connection.ErrNotConnected while disconnected. QueueSizeChanged
// reports false when the ring refuses the new size.
func (s *Session) Apply(c Change) (applied bool, err error) {
	switch c := c.(type) {
	case TopicsChanged:
		s.setTopics(c.Topics)
		s.logger.Info("topics changed", "topics", c.Topics)
		if !s.manager.IsConnected() {
			return true, nil
		}
		if err := s.manager.Subscribe(c.Topics); err != nil {
			return true, fmt.Errorf("resubscribe topics: %w", err)
		}
		return true, nil

	case PublishRequested:
		if err := s.manager.Publish(c.Topic, c.Payload); err != nil {
			return false, fmt.Errorf("publish to %s: %w", c.Topic, err)
		}
		return true, nil

	case QueueSizeChanged:
		return s.resize(c.Size), nil

	default:
		return false, fmt.Errorf("unknown change %T", c)
	}
}

func (s *Session) resize(size int) bool {
	current := s.ring.Cap()

	var ok bool
	switch {
	case size > current:
		ok = s.ring.Enlarge(size)
	case size < current:
		ok = s.ring.Shrink(size)
	}

	if ok {
		s.logger.Info("queue resized", "from", current, "to", size)
	} else {
		s.logger.Warn("queue resize rejected",
			"from", current,
			"to", size,
			"count", s.ring.Len(),
		)
	}
	return ok
}

// ParseTopics splits a comma-separated topic list. Entries are trimmed,
// empties dropped and order kept.
func ParseTopics(s string) []string {
	var topics []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
