package format

import (
	"testing"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{1, "1 B"},
		{1000, "1000 B"},
		{1001, "1.0 KB"},
		{1536, "1.5 KB"},
		{1000000, "1000.0 KB"},
		{8388608, "8.4 MB"},
		{1073741824, "1.1 GB"},
		{1500000000000, "1.5 TB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanBytes(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}
