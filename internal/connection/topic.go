package connection

import "strings"

// ValidateTopic checks a subscribe topic filter. It returns a *TopicError
// describing the first rule the topic breaks, or nil.
//
// Segments are limited to [A-Za-z0-9_\-+.]; wildcards other than '+' are
// not accepted.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return &TopicError{Topic: topic, Reason: "topic should be a non-empty string"}
	}
	if strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/") {
		return &TopicError{Topic: topic, Reason: "topic should not start or end with a slash"}
	}
	if strings.Contains(topic, "//") {
		return &TopicError{Topic: topic, Reason: "topic should not contain consecutive slashes"}
	}
	for _, segment := range strings.Split(topic, "/") {
		for _, c := range segment {
			if !isTopicChar(c) {
				return &TopicError{Topic: topic, Reason: "topic contains invalid characters"}
			}
		}
	}
	return nil
}

func isTopicChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '+', c == '.':
		return true
	}
	return false
}
