// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package datapath

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIfnameCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	calls := map[uint32]int{}
	links := map[uint32]string{2: "eth0"}

	c := newIfnameCache(func(index uint32) (string, error) {
		calls[index]++
		if name, ok := links[index]; ok {
			return name, nil
		}
		return "", fmt.Errorf("link %d not found", index)
	})
	c.now = func() time.Time { return now }
	var failures int
	c.onErr = func(uint32, error) { failures++ }

	for i := 0; i < 3; i++ {
		assert.Equal(t, "eth0", c.name(2))
	}
	assert.Equal(t, 1, calls[2])

	// A failed lookup is remembered until the retry time.
	for i := 0; i < 3; i++ {
		assert.Equal(t, "", c.name(7))
	}
	assert.Equal(t, 1, calls[7])
	assert.Equal(t, 1, failures)

	links[7] = "wg0"
	now = now.Add(ifnameRetry - time.Millisecond)
	assert.Equal(t, "", c.name(7))
	assert.Equal(t, 1, calls[7])

	now = now.Add(time.Millisecond)
	assert.Equal(t, "wg0", c.name(7))
	assert.Equal(t, 2, calls[7])

	now = now.Add(time.Hour)
	assert.Equal(t, "wg0", c.name(7))
	assert.Equal(t, 2, calls[7], "resolved names do not expire")
}
