package lifecycle

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"regexp"
)

// macPrefix is the locally administered QEMU/KVM OUI.
const macPrefix = "52:54:00"

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

var (
	adjectives = []string{
		"amber", "ancient", "bold", "brisk", "calm", "crimson", "dusty", "eager", "faded", "fierce",
		"gentle", "hollow", "icy", "jolly", "keen", "lively", "misty", "nimble", "odd", "proud",
		"quiet", "rapid", "rusty", "silent", "sly", "steady", "tidy", "vivid", "wild", "young",
	}
	nouns = []string{
		"badger", "beacon", "canyon", "comet", "crane", "delta", "ember", "falcon", "fjord", "glacier",
		"harbor", "heron", "island", "jaguar", "lagoon", "lynx", "meadow", "nebula", "otter", "pine",
		"quartz", "raven", "ridge", "sparrow", "summit", "thistle", "tundra", "valley", "willow", "zephyr",
	}
)

// randomName returns an adjective-noun pair such as "misty-heron".
func randomName() string {
	return adjectives[mrand.IntN(len(adjectives))] + "-" + nouns[mrand.IntN(len(nouns))]
}

// randomMAC returns a MAC in the 52:54:00 range with three random uppercase hex octets.
func randomMAC() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate mac address: %w", err)
	}
	return fmt.Sprintf("%s:%02X:%02X:%02X", macPrefix, b[0], b[1], b[2]), nil
}
