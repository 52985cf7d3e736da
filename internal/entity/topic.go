package entity

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether topic matches the MQTT filter.
//
// "+" matches exactly one level, a trailing "#" matches the parent level
// and everything below it. Wildcards in the first level never match
// topics starting with "$".
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// ValidateFilter checks wildcard placement in an MQTT topic filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("filter %q: '#' must be the last level", filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}
