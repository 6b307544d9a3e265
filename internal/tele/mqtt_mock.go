package tele

import (
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MockAck uint8

const (
	MockAckImmediate MockAck = iota // PUBACK before Publish returns
	MockAckNever                    // unresponsive broker
	MockAckManual                   // test calls AckAll
)

// MqttMock is in-memory mqtt.Client. Records publishes, delivers TestPublish to subscribers.
type MqttMock struct {
	sync.Mutex
	Opt        *mqtt.ClientOptions
	Ack        MockAck
	ConnectErr error
	// Disconnect blocks this long, simulates stuck teardown
	DisconnectDelay time.Duration

	connected bool
	connects  int
	pubs      []MockPub
	subs      []MockSub
}

type MockPub struct {
	Topic    string
	Qos      byte
	Retained bool
	Payload  []byte
	token    *mockToken
}

type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

var _ mqtt.Client = &MqttMock{} // compile-time interface test

func NewMqttMock(ack MockAck) *MqttMock {
	return &MqttMock{
		Ack:  ack,
		pubs: make([]MockPub, 0, 128),
		subs: make([]MockSub, 0, 4),
	}
}

// Factory is ClientFactory returning this mock.
func (self *MqttMock) Factory(opt *mqtt.ClientOptions) mqtt.Client {
	self.Lock()
	self.Opt = opt
	self.Unlock()
	return self
}

func (self *MqttMock) Published() []MockPub {
	self.Lock()
	defer self.Unlock()
	result := make([]MockPub, len(self.pubs))
	copy(result, self.pubs)
	return result
}

// AckAll completes every pending publish token successfully.
func (self *MqttMock) AckAll() int {
	self.Lock()
	defer self.Unlock()
	n := 0
	for _, p := range self.pubs {
		if p.token.complete(nil) {
			n++
		}
	}
	return n
}

// FailAll completes every pending publish token with error.
func (self *MqttMock) FailAll(err error) {
	self.Lock()
	defer self.Unlock()
	for _, p := range self.pubs {
		p.token.complete(err)
	}
}

// SetConnected simulates connection loss (false) without Disconnect call.
func (self *MqttMock) SetConnected(c bool) {
	self.Lock()
	self.connected = c
	self.Unlock()
}

// TestPublish delivers message to matching subscriptions as broker would.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.Lock()
	subs := make([]MockSub, len(self.subs))
	copy(subs, self.subs)
	self.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			sub.Handler(self, MockMsg{T: topic, P: payload, Q: sub.Qos})
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (self *MqttMock) IsConnected() bool      { return self.IsConnectionOpen() }
func (self *MqttMock) IsConnectionOpen() bool { self.Lock(); defer self.Unlock(); return self.connected }

func (self *MqttMock) Connects() int {
	self.Lock()
	defer self.Unlock()
	return self.connects
}

func (self *MqttMock) Connect() mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.connects++
	t := newMockToken()
	if self.ConnectErr == nil {
		self.connected = true
	}
	t.complete(self.ConnectErr)
	return t
}

func (self *MqttMock) Disconnect(uint) {
	self.Lock()
	delay := self.DisconnectDelay
	self.connected = false
	self.Unlock()
	if delay != 0 {
		time.Sleep(delay)
	}
}

func (self *MqttMock) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	default:
		panic(fmt.Sprintf("code error mock publish payload type=%T", payload))
	}
	t := newMockToken()
	self.Lock()
	defer self.Unlock()
	if !self.connected {
		t.complete(mqtt.ErrNotConnected)
		return t
	}
	self.pubs = append(self.pubs, MockPub{Topic: topic, Qos: qos, Retained: retained, Payload: b, token: t})
	if self.Ack == MockAckImmediate {
		t.complete(nil)
	}
	return t
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	t := newMockToken()
	t.complete(nil)
	return t
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newMockToken() *mockToken { return &mockToken{done: make(chan struct{})} }

// complete returns true on first call.
func (t *mockToken) complete(err error) bool {
	first := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		first = true
	})
	return first
}

func (t *mockToken) Done() <-chan struct{} { return t.done }
func (t *mockToken) Wait() bool            { <-t.done; return true }
func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *mockToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type MockMsg struct {
	T string
	P []byte
	Q byte
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
