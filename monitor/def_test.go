package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartMonCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a context cancelled before the listener goroutine runs must not
	// leave shutdown looking at a nil server
	assert.NotPanics(t, func() { StartMon(0, ctx) })
}
