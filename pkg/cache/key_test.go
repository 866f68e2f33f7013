package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("fingerprint", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	parts := strings.Split(key, ":")
	require.Len(t, parts, 3)
	assert.Equal(t, KeyVersion, parts[0])
	assert.Equal(t, "fingerprint", parts[1])
	assert.Len(t, parts[2], 64)
}

func TestDeriveKeyIsStructural(t *testing.T) {
	tests := []struct {
		name  string
		a, b  any
		equal bool
	}{
		{
			name:  "map key order does not matter",
			a:     map[string]int{"x": 1, "y": 2},
			b:     map[string]int{"y": 2, "x": 1},
			equal: true,
		},
		{
			name:  "pointer and value",
			a:     &pageArgs{URL: "u", Depth: 2},
			b:     pageArgs{URL: "u", Depth: 2},
			equal: true,
		},
		{
			name:  "slice order matters",
			a:     []string{"a", "b"},
			b:     []string{"b", "a"},
			equal: false,
		},
		{
			name:  "different values",
			a:     pageArgs{URL: "u", Depth: 1},
			b:     pageArgs{URL: "u", Depth: 2},
			equal: false,
		},
		{
			name:  "nil and empty list differ",
			a:     nil,
			b:     []int{},
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := DeriveKey("ns", tt.a)
			require.NoError(t, err)
			kb, err := DeriveKey("ns", tt.b)
			require.NoError(t, err)
			if tt.equal {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}
}

func TestDeriveKeyErrors(t *testing.T) {
	_, err := DeriveKey("", 1)
	assert.Error(t, err)

	_, err = DeriveKey("planner:plan", 1)
	assert.Error(t, err)

	_, err = DeriveKey("ns", make(chan int))
	assert.Error(t, err)
}
