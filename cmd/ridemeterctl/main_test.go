package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLatLon(t *testing.T) {
	lat, lon, err := parseLatLon("48.8566, 2.3522")
	require.NoError(t, err)
	assert.Equal(t, 48.8566, lat)
	assert.Equal(t, 2.3522, lon)

	for _, bad := range []string{"", "48.8", "a,b", "91,0", "0,181", "1,2,3"} {
		_, _, err := parseLatLon(bad)
		assert.Error(t, err, bad)
	}
}
