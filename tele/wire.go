package tele

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

// Topic is outbound topic for variant: {base}{variant}/{station}.
func Topic(base string, v Variant, station string) string {
	return fmt.Sprintf("%s%s/%s", base, v, station)
}

// TopicConfigurations is inbound configuration request topic.
func TopicConfigurations(base string, station string) string {
	return fmt.Sprintf("%sconfigurations/%s", base, station)
}

// WirePayload is JSON published to broker.
// Body is wrapped in one element list under variant key, list is batching hook.
//   {"logs":[{"severity":"warning","revision":3,"timestamp":1700000000.12,"subject":"..."}]}
func (m Message) WirePayload() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var batch interface{}
	switch b := m.Body.(type) {
	case *Log:
		batch = []*Log{b}
	case *Measurement:
		batch = []*Measurement{b}
	case *Heartbeat:
		batch = []*Heartbeat{b}
	case *Acknowledgment:
		batch = []*Acknowledgment{b}
	default:
		return nil, errors.Errorf("code error wire payload body type=%T", m.Body)
	}
	b, err := json.Marshal(map[Variant]interface{}{m.Variant: batch})
	return b, errors.Annotatef(err, "wire payload %s", m.Variant)
}

// ParseWirePayload is inverse of WirePayload, used by operator tools and tests.
// Returns all messages in batch, header is empty.
func ParseWirePayload(payload []byte) ([]Message, error) {
	var raw map[Variant][]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Annotate(err, "wire payload")
	}
	if len(raw) != 1 {
		return nil, errors.NotValidf("wire payload expected single variant key, found=%d", len(raw))
	}
	var result []Message
	for v, items := range raw {
		result = make([]Message, 0, len(items))
		for i, item := range items {
			body, err := newBody(v)
			if err != nil {
				return nil, err
			}
			if err = json.Unmarshal(item, body); err != nil {
				return nil, errors.Annotatef(err, "wire payload %s[%d]", v, i)
			}
			m, err := NewMessage(v, Header{}, body)
			if err != nil {
				return nil, err
			}
			result = append(result, m)
		}
	}
	return result, nil
}
