package shaping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azazel-zero/firstminute/internal/stage"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) error {
	f.calls = append(f.calls, append([]string(nil), args...))
	return nil
}

func testManager() (*Manager, *fakeRunner) {
	m := New("usb0", "wlan0")
	fr := &fakeRunner{}
	m.run = fr
	return m, fr
}

func TestApplyDegradedShapesBothInterfaces(t *testing.T) {
	m, fr := testManager()
	require.NoError(t, m.Apply(context.Background(), stage.Degraded))
	require.Len(t, fr.calls, 2)
	assert.Contains(t, fr.calls[0], "usb0")
	assert.Contains(t, fr.calls[0], "netem")
	assert.Contains(t, fr.calls[1], "wlan0")
	assert.Contains(t, fr.calls[1], "tbf")
}

func TestApplyContainIsStricterThanDegraded(t *testing.T) {
	m, fr := testManager()
	require.NoError(t, m.Apply(context.Background(), stage.Contain))
	assert.Contains(t, fr.calls[0], "5%")
	assert.Contains(t, fr.calls[1], "512kbit")
}

func TestApplyNormalClears(t *testing.T) {
	m, fr := testManager()
	require.NoError(t, m.Apply(context.Background(), stage.Normal))
	require.Len(t, fr.calls, 2)
	assert.Equal(t, []string{"qdisc", "del", "dev", "usb0", "root"}, fr.calls[0])
	assert.Equal(t, []string{"qdisc", "del", "dev", "wlan0", "root"}, fr.calls[1])
}

func TestClearRemovesBothQdiscs(t *testing.T) {
	m, fr := testManager()
	require.NoError(t, m.Clear(context.Background()))
	require.Len(t, fr.calls, 2)
}
