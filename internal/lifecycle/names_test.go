package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomName(t *testing.T) {
	for range 50 {
		name := randomName()
		assert.Regexp(t, namePattern, name)
		assert.Regexp(t, `^[a-z]+-[a-z]+$`, name)
	}
}

func TestRandomMAC(t *testing.T) {
	seen := map[string]bool{}
	for range 20 {
		mac, err := randomMAC()
		require.NoError(t, err)
		assert.Regexp(t, macFormat, mac)
		seen[mac] = true
	}
	assert.Greater(t, len(seen), 1)
}
