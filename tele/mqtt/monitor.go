package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/256dpi/gomqtt/packet"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

// Describe decodes one station message for operator output, line per batch element.
func Describe(base, station string, m *packet.Message) ([]string, error) {
	if m.Topic == tele_api.TopicConfigurations(base, station) {
		r, err := tele_api.ParseConfigRequest(m.Payload)
		if err != nil {
			return nil, errors.Annotatef(err, "topic=%s", m.Topic)
		}
		return []string{fmt.Sprintf("configuration revision=%d version=%s retain=%t", r.Revision, r.Configuration.Version, m.Retain)}, nil
	}

	ms, err := tele_api.ParseWirePayload(m.Payload)
	if err != nil {
		return nil, errors.Annotatef(err, "topic=%s", m.Topic)
	}
	lines := make([]string, 0, len(ms))
	for _, x := range ms {
		if expect := tele_api.Topic(base, x.Variant, station); m.Topic != expect {
			return nil, errors.NotValidf("variant=%s on topic=%s", x.Variant, m.Topic)
		}
		b, err := json.Marshal(x.Body)
		if err != nil {
			return nil, errors.Annotatef(err, "topic=%s", m.Topic)
		}
		lines = append(lines, fmt.Sprintf("%s %s", x.Variant, b))
	}
	return lines, nil
}
