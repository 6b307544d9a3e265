package tele_test

import (
	"encoding/json"
	"testing"

	"github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fs/v1/logs/st-7", tele.Topic("fs/v1/", tele.VariantLogs, "st-7"))
	assert.Equal(t, "acknowledgments/st-7", tele.Topic("", tele.VariantAcknowledgments, "st-7"))
	assert.Equal(t, "fs/v1/configurations/st-7", tele.TopicConfigurations("fs/v1/", "st-7"))
}

func TestWirePayload(t *testing.T) {
	t.Parallel()

	meta := tele.Meta{Revision: 3, Timestamp: 1700000000.12}
	cases := []struct {
		name   string
		body   tele.Body
		expect string
	}{
		{"log-details", &tele.Log{Severity: tele.SeverityWarning, Meta: meta, Subject: "s", Details: "d"},
			`{"logs":[{"severity":"warning","revision":3,"timestamp":1700000000.12,"subject":"s","details":"d"}]}`},
		{"log-no-details", &tele.Log{Severity: tele.SeverityError, Meta: meta, Subject: "disk full"},
			`{"logs":[{"severity":"error","revision":3,"timestamp":1700000000.12,"subject":"disk full"}]}`},
		{"measurement", &tele.Measurement{Meta: meta, Value: json.RawMessage(`{"celsius":21.5}`)},
			`{"measurements":[{"revision":3,"timestamp":1700000000.12,"value":{"celsius":21.5}}]}`},
		{"heartbeat", &tele.Heartbeat{Meta: meta, Success: true},
			`{"heartbeats":[{"revision":3,"timestamp":1700000000.12,"success":true}]}`},
		{"ack", &tele.Acknowledgment{Meta: meta, Success: false},
			`{"acknowledgments":[{"revision":3,"timestamp":1700000000.12,"success":false}]}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m, err := tele.MessageOf(tele.Header{Topic: "ignored"}, c.body)
			require.NoError(t, err)
			b, err := m.WirePayload()
			require.NoError(t, err)
			assert.JSONEq(t, c.expect, string(b))

			ms, err := tele.ParseWirePayload(b)
			require.NoError(t, err)
			require.Len(t, ms, 1)
			assert.Equal(t, c.body, ms[0].Body)
			assert.Equal(t, m.Variant, ms[0].Variant)
		})
	}
}

func TestParseWirePayloadInvalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		`{}`,
		`{"logs":[],"heartbeats":[]}`,
		`{"configurations":[{}]}`,
		`{"logs":[{"severity":"nope"}]}`,
		`[1]`,
	} {
		_, err := tele.ParseWirePayload([]byte(input))
		assert.Error(t, err, input)
	}
	_, err := tele.ParseWirePayload([]byte(`{"configurations":[{}]}`))
	assert.True(t, errors.IsNotValid(err))
}

func TestParseConfigRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		valid   bool
		rev     int
		version string
		extra   []string
	}{
		{"minimal", `{"revision":0,"configuration":{"version":"1.2.3"}}`, true, 0, "1.2.3", nil},
		{"extra-fields", `{"revision":7,"configuration":{"version":"2024.1","sampling":{"sec":5},"x":1},"issued_by":"ops"}`, true, 7, "2024.1", []string{"sampling", "x"}},
		{"short-version", `{"revision":1,"configuration":{"version":"1.2"}}`, false, 0, "", nil},
		{"short-version-multibyte", `{"revision":1,"configuration":{"version":"ééé"}}`, false, 0, "", nil},
		{"version-multibyte", `{"revision":1,"configuration":{"version":"ревизия"}}`, true, 1, "ревизия", nil},
		{"negative-revision", `{"revision":-1,"configuration":{"version":"1.2.3"}}`, false, 0, "", nil},
		{"missing-revision", `{"configuration":{"version":"1.2.3"}}`, false, 0, "", nil},
		{"missing-configuration", `{"revision":1}`, false, 0, "", nil},
		{"missing-version", `{"revision":1,"configuration":{}}`, false, 0, "", nil},
		{"version-not-string", `{"revision":1,"configuration":{"version":12345}}`, false, 0, "", nil},
		{"null-configuration", `{"revision":1,"configuration":null}`, false, 0, "", nil},
		{"garbage", `revision=1`, false, 0, "", nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r, err := tele.ParseConfigRequest([]byte(c.input))
			if !c.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.rev, r.Revision)
			assert.Equal(t, c.version, r.Configuration.Version)
			assert.Len(t, r.Configuration.Extra, len(c.extra))
			for _, k := range c.extra {
				assert.Contains(t, r.Configuration.Extra, k)
			}
		})
	}
}

func TestConfigRequestMarshal(t *testing.T) {
	t.Parallel()

	input := `{"revision":7,"configuration":{"version":"2024.1","sampling":{"sec":5}}}`
	r, err := tele.ParseConfigRequest([]byte(input))
	require.NoError(t, err)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(b))
}
