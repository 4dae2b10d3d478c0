package workermanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/gwlog"
)

type fakeConn struct {
	id uint16
}

func (f *fakeConn) ID() uint16                        { return f.id }
func (f *fakeConn) Send(faascall.Message) error        { return nil }
func (f *fakeConn) Close() error                       { return nil }

func TestWorkerRegistrationAndReadySet(t *testing.T) {
	m := New(16, false, gwlog.NewTestLogger())

	w1 := &fakeConn{id: 3}
	w2 := &fakeConn{id: 1}
	require.True(t, m.OnFuncWorkerConnected(7, w1))
	require.True(t, m.OnFuncWorkerConnected(7, w2))

	ready := m.ReadyWorkers(7)
	require.Len(t, ready, 2)
	assert.Equal(t, uint16(1), ready[0].ID())
	assert.Equal(t, uint16(3), ready[1].ID())
}

func TestDuplicateWorkerRegistrationRejected(t *testing.T) {
	m := New(16, false, gwlog.NewTestLogger())
	w := &fakeConn{id: 1}
	require.True(t, m.OnFuncWorkerConnected(7, w))
	assert.False(t, m.OnFuncWorkerConnected(7, w))
}

func TestWorkerDisconnectRemovesFromReadySet(t *testing.T) {
	m := New(16, false, gwlog.NewTestLogger())
	w := &fakeConn{id: 1}
	require.True(t, m.OnFuncWorkerConnected(7, w))
	m.OnFuncWorkerDisconnected(7, w)
	assert.Empty(t, m.ReadyWorkers(7))
}

func TestLauncherRegistration(t *testing.T) {
	m := New(16, false, gwlog.NewTestLogger())
	l := &fakeConn{id: 9}
	require.True(t, m.OnLauncherConnected(3, l))
	assert.False(t, m.OnLauncherConnected(3, l))
	m.OnLauncherDisconnected(3, l)
	assert.True(t, m.OnLauncherConnected(3, l))
}

func TestContainerMonitorRoundTrip(t *testing.T) {
	m := New(2, false, gwlog.NewTestLogger())
	m.RegisterContainer("c1", 5)
	funcID, ok := m.KnownContainer("c1")
	require.True(t, ok)
	assert.EqualValues(t, 5, funcID)

	_, ok = m.KnownContainer("unknown")
	assert.False(t, ok)
}

func TestContainerMonitorDisabled(t *testing.T) {
	m := New(2, true, gwlog.NewTestLogger())
	m.RegisterContainer("c1", 5)
	_, ok := m.KnownContainer("c1")
	assert.False(t, ok)
}
