package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("frame %d", 7)
	assert.Equal(t, []string{"frame 7"}, got)

	// nil installs a no-op; the previous hook must no longer fire
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, got, 1)
}

func TestLogf_Default(t *testing.T) {
	assert.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestDebugf_Gated(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	SetDebug(false)
	Debugf("fragment %d", 1)
	assert.Equal(t, 0, calls)
	assert.False(t, DebugEnabled())

	SetDebug(true)
	Debugf("fragment %d", 2)
	assert.Equal(t, 1, calls)
	assert.True(t, DebugEnabled())
}
