package node

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldsense/uplink/internal/state"
	"github.com/fieldsense/uplink/internal/store"
	"github.com/fieldsense/uplink/internal/tele"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	tele_config "github.com/fieldsense/uplink/tele/config"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type tenv struct {
	sync.Mutex
	mock     *tele.MqttMock
	node     *Node
	notified []string
	tele     *tele.Tele
}

func (self *tenv) notify(s string) bool {
	self.Lock()
	self.notified = append(self.notified, s)
	self.Unlock()
	return false
}

func (self *tenv) notifications() []string {
	self.Lock()
	defer self.Unlock()
	return append([]string(nil), self.notified...)
}

func (self *tenv) run(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- self.node.Run(ctx) }()
	return ch
}

func (self *tenv) waitRunning(t testing.TB) {
	require.Eventually(t, func() bool { return self.tele.State() == tele.StateRunning }, waitTimeout, 10*time.Millisecond)
}

func (self *tenv) acks(t testing.TB) []*tele_api.Acknowledgment {
	var result []*tele_api.Acknowledgment
	for _, p := range self.mock.Published() {
		if p.Topic != "fs/acknowledgments/st1" {
			continue
		}
		ms, err := tele_api.ParseWirePayload(p.Payload)
		require.NoError(t, err)
		for _, m := range ms {
			result = append(result, m.Body.(*tele_api.Acknowledgment))
		}
	}
	return result
}

func testSetup(t testing.TB, revisionRoot string) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	config := tele_config.Config{
		SendEnabled:        true,
		StationId:          "st1",
		BaseTopic:          "fs/",
		MqttBroker:         "tcp://mock:1883",
		PollIntervalSec:    1,
		TeardownTimeoutSec: 1,
		StorePath:          store.OnlyForTesting,
		ArchiveDir:         t.TempDir(),
	}
	env := &tenv{mock: tele.NewMqttMock(tele.MockAckImmediate)}
	var err error
	env.tele, err = tele.NewWithClientFactory(log, config, env.mock.Factory)
	require.NoError(t, err)
	rev, err := state.NewRevision(log, revisionRoot)
	require.NoError(t, err)
	env.node = &Node{
		Drain:    waitTimeout,
		Log:      log,
		Notify:   env.notify,
		Poll:     20 * time.Millisecond,
		Revision: rev,
		Tele:     env.tele,
	}
	return env
}

func TestNodeConfigRequest(t *testing.T) {
	t.Parallel()

	env := testSetup(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := env.run(ctx)
	env.waitRunning(t)

	env.mock.TestPublish(t, "fs/configurations/st1", []byte(`{"revision":4,"configuration":{"version":"2024.10","sampling":{"sec":5}}}`))
	require.Eventually(t, func() bool { return len(env.acks(t)) == 1 }, waitTimeout, 20*time.Millisecond)
	ack := env.acks(t)[0]
	assert.Equal(t, 4, ack.Revision)
	assert.True(t, ack.Success)
	assert.Equal(t, 4, env.tele.Revision())

	// stale revision is acknowledged as failure
	env.mock.TestPublish(t, "fs/configurations/st1", []byte(`{"revision":2,"configuration":{"version":"2024.09"}}`))
	require.Eventually(t, func() bool { return len(env.acks(t)) == 2 }, waitTimeout, 20*time.Millisecond)
	assert.False(t, env.acks(t)[1].Success)
	assert.Equal(t, 4, env.tele.Revision())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * waitTimeout):
		t.Fatal("node did not stop")
	}
	assert.Equal(t, []string{"READY=1", "STOPPING=1"}, env.notifications())
	assert.Equal(t, tele.StateStopped, env.tele.State())
	assert.Equal(t, 4, env.node.Revision.Current())
}

func TestNodeOutage(t *testing.T) {
	t.Parallel()

	env := testSetup(t, "")
	done := env.run(context.Background())
	env.waitRunning(t)
	env.mock.SetConnected(false)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, tele_api.ErrCommunicationOutage, errors.Cause(err), errors.ErrorStack(err))
	case <-time.After(2 * waitTimeout):
		t.Fatal("node did not report outage")
	}
}

func TestNodeStartFail(t *testing.T) {
	t.Parallel()

	env := testSetup(t, "")
	env.mock.ConnectErr = errors.New("connection refused")
	err := env.node.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, env.notifications())
}

func TestNodeRevisionRestored(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	log := log2.NewTest(t, log2.LDebug)
	prev, err := state.NewRevision(log, root)
	require.NoError(t, err)
	ok, err := prev.Apply(tele_api.ConfigRequest{Revision: 9, Configuration: tele_api.Configuration{Version: "2024.10"}})
	require.NoError(t, err)
	require.True(t, ok)

	env := testSetup(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	done := env.run(ctx)
	env.waitRunning(t)
	assert.Equal(t, 9, env.tele.Revision())
	cancel()
	require.NoError(t, <-done)
}

func TestNodeDrainTimeoutReportsRemaining(t *testing.T) {
	t.Parallel()

	env := testSetup(t, "")
	env.mock.Lock()
	env.mock.Ack = tele.MockAckNever
	env.mock.Unlock()
	var mu sync.Mutex
	var lines []string
	env.node.Log = log2.NewFunc(func(format string, args ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, args...))
		mu.Unlock()
	}, log2.LDebug)
	env.node.Drain = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := env.run(ctx)
	env.waitRunning(t)
	require.Eventually(t, func() bool {
		counts, err := env.tele.Counts()
		require.NoError(t, err)
		return counts[store.InProgress] != 0
	}, waitTimeout, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, line := range lines {
		if strings.Contains(line, "node drain err=") {
			found = true
			assert.Regexp(t, `remain=\(pending=\d+ in-progress=[1-9]\d* done=0\)`, line)
		}
	}
	assert.True(t, found, "drain timeout not logged lines=%v", lines)
}
