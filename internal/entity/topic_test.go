package entity

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"ems-esp/boiler_data", "ems-esp/boiler_data", true},
		{"ems-esp/boiler_data", "ems-esp/boiler", false},
		{"ems-esp/+", "ems-esp/boiler_data", true},
		{"ems-esp/+", "ems-esp/a/b", false},
		{"ems-esp/#", "ems-esp", true},
		{"ems-esp/#", "ems-esp/a/b", true},
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"+/b", "a/c", false},
		{"a/+/c", "a//c", true},
		{"#", "$SYS/broker", false},
		{"+/broker", "$SYS/broker", false},
		{"$SYS/#", "$SYS/broker", true},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a", "a/b", "a/+", "+/+/c", "#", "a/#", "$SYS/#"}
	for _, f := range valid {
		if err := ValidateFilter(f); err != nil {
			t.Errorf("ValidateFilter(%q) error = %v", f, err)
		}
	}
	invalid := []string{"", "a/#/b", "a+", "a/b#", "#/a"}
	for _, f := range invalid {
		if err := ValidateFilter(f); err == nil {
			t.Errorf("ValidateFilter(%q) = nil, want error", f)
		}
	}
}
