package mqttbroker

import (
	"errors"
	"strings"
)

var (
	errEmptyTopic   = errors.New("empty topic")
	errWildcardName = errors.New("wildcards are not allowed in topic names")
	errBadFilter    = errors.New("malformed topic filter")
)

// validateTopicName checks a topic used in PUBLISH.
func validateTopicName(topic string) error {
	if topic == "" {
		return errEmptyTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return errWildcardName
	}
	return nil
}

// validateTopicFilter checks a SUBSCRIBE filter: '+' must fill a whole level
// and '#' must be the whole last level.
func validateTopicFilter(filter string) error {
	if filter == "" {
		return errEmptyTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return errBadFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return errBadFilter
		}
	}
	return nil
}

// matchTopic reports whether a topic name matches a subscription filter.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// Topics starting with '$' never match wildcards at the first level.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
