package tele

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldsense/uplink/helpers"
	"github.com/juju/errors"
)

// Variant is message kind tag. Also part of outbound topic and wire payload key.
type Variant string

const (
	VariantLogs            Variant = "logs"
	VariantMeasurements    Variant = "measurements"
	VariantHeartbeats      Variant = "heartbeats"
	VariantAcknowledgments Variant = "acknowledgments"
)

var AllVariants = []Variant{VariantLogs, VariantMeasurements, VariantHeartbeats, VariantAcknowledgments}

func (v Variant) Valid() bool {
	switch v {
	case VariantLogs, VariantMeasurements, VariantHeartbeats, VariantAcknowledgments:
		return true
	}
	return false
}

type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Meta is common to all message bodies.
// Revision is configuration revision active when event was produced.
type Meta struct {
	Revision  int     `json:"revision"`
	Timestamp float64 `json:"timestamp"`
}

func (m *Meta) meta() *Meta { return m }

// Body is closed set of message payloads: *Log, *Measurement, *Heartbeat, *Acknowledgment.
type Body interface {
	Variant() Variant
	meta() *Meta
}

type Log struct {
	Severity Severity `json:"severity"`
	Meta
	Subject string `json:"subject"`
	Details string `json:"details,omitempty"`
}

// Measurement value shape is defined by sensor drivers, opaque here.
type Measurement struct {
	Meta
	Value json.RawMessage `json:"value"`
}

type Heartbeat struct {
	Meta
	Success bool `json:"success"`
}

// Acknowledgment is reply to configuration update attempt.
type Acknowledgment struct {
	Meta
	Success bool `json:"success"`
}

func (*Log) Variant() Variant            { return VariantLogs }
func (*Measurement) Variant() Variant    { return VariantMeasurements }
func (*Heartbeat) Variant() Variant      { return VariantHeartbeats }
func (*Acknowledgment) Variant() Variant { return VariantAcknowledgments }

// NewMeasurement marshals sensor reading into opaque value.
func NewMeasurement(meta Meta, value interface{}) (*Measurement, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Annotate(err, "measurement value")
	}
	return &Measurement{Meta: meta, Value: b}, nil
}

// Now is current time in message timestamp form, seconds with fraction.
func Now() float64 { return helpers.UnixFloat(time.Now()) }

// BodyMeta returns revision and timestamp of any body.
func BodyMeta(b Body) Meta { return *b.meta() }

// SetTimestampIfZero is used by enqueue path so producers may leave Timestamp empty.
func SetTimestampIfZero(b Body, ts float64) {
	if m := b.meta(); m.Timestamp == 0 {
		m.Timestamp = ts
	}
}

// Header.Topic is empty until delivery agent assigns it at publish time.
type Header struct {
	Topic          string `json:"topic,omitempty"`
	SendingSkipped bool   `json:"sending_skipped"`
}

// Message variant and body type always agree, enforced by NewMessage and UnmarshalJSON.
type Message struct {
	Variant Variant
	Header  Header
	Body    Body
}

// MessageOf derives variant from body type.
func MessageOf(h Header, b Body) (Message, error) {
	if b == nil {
		return Message{}, errors.NotValidf("message body=nil")
	}
	return NewMessage(b.Variant(), h, b)
}

func NewMessage(v Variant, h Header, b Body) (Message, error) {
	m := Message{Variant: v, Header: h, Body: b}
	return m, m.Validate()
}

func (m *Message) Validate() error {
	if m.Body == nil {
		return errors.NotValidf("message variant=%s body=nil", m.Variant)
	}
	var bodyVariant Variant
	switch b := m.Body.(type) {
	case *Log:
		if b == nil {
			return errors.NotValidf("message body=nil")
		}
		if !b.Severity.Valid() {
			return errors.NotValidf("log severity=%q", b.Severity)
		}
		bodyVariant = VariantLogs
	case *Measurement:
		if b == nil {
			return errors.NotValidf("message body=nil")
		}
		bodyVariant = VariantMeasurements
	case *Heartbeat:
		if b == nil {
			return errors.NotValidf("message body=nil")
		}
		bodyVariant = VariantHeartbeats
	case *Acknowledgment:
		if b == nil {
			return errors.NotValidf("message body=nil")
		}
		bodyVariant = VariantAcknowledgments
	default:
		return errors.NotValidf("message body type=%T", m.Body)
	}
	if m.Variant != bodyVariant {
		return errors.NotValidf("message variant=%s with body=%s", m.Variant, bodyVariant)
	}
	if rev := m.Body.meta().Revision; rev < 0 {
		return errors.NotValidf("message revision=%d", rev)
	}
	return nil
}

func (m Message) String() string {
	meta := Meta{}
	if m.Body != nil {
		meta = BodyMeta(m.Body)
	}
	return fmt.Sprintf("%s(revision=%d timestamp=%.3f topic=%q skipped=%t)",
		m.Variant, meta.Revision, meta.Timestamp, m.Header.Topic, m.Header.SendingSkipped)
}

// storage and archive form
type messageJSON struct {
	Variant Variant         `json:"variant"`
	Header  Header          `json:"header"`
	Body    json.RawMessage `json:"body"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "marshal %s body", m.Variant)
	}
	return json.Marshal(messageJSON{Variant: m.Variant, Header: m.Header, Body: body})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var mj messageJSON
	if err := json.Unmarshal(b, &mj); err != nil {
		return err
	}
	body, err := newBody(mj.Variant)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(mj.Body, body); err != nil {
		return errors.Annotatef(err, "unmarshal %s body", mj.Variant)
	}
	*m = Message{Variant: mj.Variant, Header: mj.Header, Body: body}
	return m.Validate()
}

func newBody(v Variant) (Body, error) {
	switch v {
	case VariantLogs:
		return &Log{}, nil
	case VariantMeasurements:
		return &Measurement{}, nil
	case VariantHeartbeats:
		return &Heartbeat{}, nil
	case VariantAcknowledgments:
		return &Acknowledgment{}, nil
	}
	return nil, errors.NotValidf("message variant=%q", v)
}
