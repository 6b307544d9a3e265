package state

import (
	"testing"

	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTeler struct {
	tele_api.Noop
	requests []tele_api.ConfigRequest
	enqueued []tele_api.Body
	err      error
}

func (self *fakeTeler) LatestConfigRequest() (tele_api.ConfigRequest, bool) {
	if len(self.requests) == 0 {
		return tele_api.ConfigRequest{}, false
	}
	r := self.requests[0]
	self.requests = self.requests[1:]
	return r, true
}

func (self *fakeTeler) Enqueue(b tele_api.Body) error {
	self.enqueued = append(self.enqueued, b)
	return self.err
}

func configRequest(revision int) tele_api.ConfigRequest {
	return tele_api.ConfigRequest{Revision: revision, Configuration: tele_api.Configuration{Version: "2024.10"}}
}

func TestRevisionApply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		apply  []int
		expect []bool
		active int
	}{
		{"first-zero", []int{0}, []bool{true}, 0},
		{"increasing", []int{1, 2, 5}, []bool{true, true, true}, 5},
		{"stale", []int{5, 3}, []bool{true, false}, 5},
		{"same", []int{4, 4}, []bool{true, false}, 4},
		{"none", nil, nil, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			rev, err := NewRevision(log2.NewTest(t, log2.LDebug), "")
			require.NoError(t, err)
			for i, r := range c.apply {
				ok, err := rev.Apply(configRequest(r))
				require.NoError(t, err)
				assert.Equal(t, c.expect[i], ok, "revision=%d", r)
			}
			assert.Equal(t, c.active, rev.Current())
			_, has := rev.Active()
			assert.Equal(t, len(c.apply) != 0, has)
		})
	}
}

func TestRevisionApplyInvalid(t *testing.T) {
	t.Parallel()

	rev, err := NewRevision(log2.NewTest(t, log2.LDebug), "")
	require.NoError(t, err)
	ok, err := rev.Apply(tele_api.ConfigRequest{Revision: 1, Configuration: tele_api.Configuration{Version: "1"}})
	assert.False(t, ok)
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
	_, has := rev.Active()
	assert.False(t, has)
}

func TestRevisionPersist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	log := log2.NewTest(t, log2.LDebug)
	rev1, err := NewRevision(log, root)
	require.NoError(t, err)
	_, has := rev1.Active()
	assert.False(t, has)

	ok, err := rev1.Apply(configRequest(7))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rev1.Apply(configRequest(12))
	require.NoError(t, err)
	require.True(t, ok)

	rev2, err := NewRevision(log, root)
	require.NoError(t, err)
	active, has := rev2.Active()
	require.True(t, has)
	assert.Equal(t, 12, active.Revision)
	assert.Equal(t, "2024.10", active.Configuration.Version)
	ok, err = rev2.Apply(configRequest(9))
	require.NoError(t, err)
	assert.False(t, ok, "stale after restart")
}

func TestRevisionPersistShorterRequest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	log := log2.NewTest(t, log2.LDebug)
	rev1, err := NewRevision(log, root)
	require.NoError(t, err)
	ok, err := rev1.Apply(parseRequest(t, `{"revision":1,"configuration":{"version":"v1.0.0-long-release-name","sampling":{"sec":5,"channels":["a","b","c"]}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rev1.Apply(tele_api.ConfigRequest{Revision: 2, Configuration: tele_api.Configuration{Version: "v2.00"}})
	require.NoError(t, err)
	require.True(t, ok)

	rev2, err := NewRevision(log, root)
	require.NoError(t, err)
	active, has := rev2.Active()
	require.True(t, has)
	assert.Equal(t, 2, active.Revision)
	assert.Equal(t, "v2.00", active.Configuration.Version)
	assert.Empty(t, active.Configuration.Extra)

	// and grows again after restart
	ok, err = rev2.Apply(parseRequest(t, `{"revision":3,"configuration":{"version":"v3.0.0-even-longer-release-name","x":[1,2,3,4,5,6,7,8,9]}}`))
	require.NoError(t, err)
	require.True(t, ok)
	rev3, err := NewRevision(log, root)
	require.NoError(t, err)
	assert.Equal(t, 3, rev3.Current())
}

func parseRequest(t testing.TB, s string) tele_api.ConfigRequest {
	r, err := tele_api.ParseConfigRequest([]byte(s))
	require.NoError(t, err)
	return r
}

func TestRevisionHandle(t *testing.T) {
	t.Parallel()

	rev, err := NewRevision(log2.NewTest(t, log2.LDebug), "")
	require.NoError(t, err)
	tt := &fakeTeler{requests: []tele_api.ConfigRequest{configRequest(3), configRequest(2)}}

	handled, err := rev.Handle(tt)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 3, tt.Revision())

	handled, err = rev.Handle(tt)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 3, tt.Revision(), "stale request must not change heartbeat revision")

	handled, err = rev.Handle(tt)
	require.NoError(t, err)
	assert.False(t, handled)

	require.Len(t, tt.enqueued, 2)
	assert.Equal(t, &tele_api.Acknowledgment{Meta: tele_api.Meta{Revision: 3}, Success: true}, tt.enqueued[0])
	assert.Equal(t, &tele_api.Acknowledgment{Meta: tele_api.Meta{Revision: 2}, Success: false}, tt.enqueued[1])
}

func TestRevisionHandleEnqueueError(t *testing.T) {
	t.Parallel()

	rev, err := NewRevision(log2.NewTest(t, log2.LDebug), "")
	require.NoError(t, err)
	tt := &fakeTeler{requests: []tele_api.ConfigRequest{configRequest(1)}, err: errors.New("disk full")}
	handled, err := rev.Handle(tt)
	assert.True(t, handled)
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, rev.Current())
}
