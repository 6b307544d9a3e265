// Package mqtt is operator side MQTT client: watch station topics, push configuration requests.
// Stations use paho via internal/tele, this client is for tools talking to the same broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/fieldsense/uplink/helpers/atomic_clock"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	// OnMessage error drops connection, message will be redelivered after reconnect.
	OnMessage func(*packet.Message) error
	Log       *log2.Log

	connect *packet.Connect
	dialer  *transport.Dialer
}

// Client contract:
// - NewClient() returns only configuration errors, network IO is done in background
// - clean session, subscriptions are sent again after every reconnect
// - reconnect until Close()
// - QOS 0,1, one Publish in flight
type Client struct {
	sync.Mutex

	alive   *alive.Alive
	current *session
	lastID  uint32
	opt     Options

	flight struct {
		sync.Mutex
		serial sync.Mutex // held for whole Publish
		fu     *future.Future
		id     packet.ID
	}
}

// StationSubscriptions covers every topic of one station, including retained configuration.
func StationSubscriptions(base, station string) []packet.Subscription {
	subs := make([]packet.Subscription, 0, len(tele_api.AllVariants)+1)
	for _, v := range tele_api.AllVariants {
		subs = append(subs, packet.Subscription{Topic: tele_api.Topic(base, v, station), QOS: packet.QOSAtLeastOnce})
	}
	subs = append(subs, packet.Subscription{Topic: tele_api.TopicConfigurations(base, station), QOS: packet.QOSAtLeastOnce})
	return subs
}

func NewClient(opt Options) (*Client, error) {
	if opt.OnMessage == nil && len(opt.Subscriptions) != 0 {
		return nil, errors.NotValidf("code error mqtt Options.OnMessage=nil with subscriptions")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.NewNotValid(err, "mqtt broker="+opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.connect = packet.NewConnect()
	opt.connect.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.connect.KeepAlive = opt.KeepaliveSec
	opt.connect.CleanSession = true
	opt.connect.Username = opt.Username
	opt.connect.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	self := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	_ = self.session(true)
	go self.reconnectLoop()
	return self, nil
}

func (self *Client) Close() error {
	err := self.Disconnect()
	self.alive.Stop()
	self.alive.Wait()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	return err
}

// Disconnect drops current session gracefully, reconnect loop starts a new one.
func (self *Client) Disconnect() error {
	s := self.session(false)
	if s == nil {
		return client.ErrClientNotConnected
	}
	if err := s.send(packet.NewDisconnect()); err != nil {
		return err
	}
	_ = s.die(ErrClientClosing)
	s.alive.Wait()
	return nil
}

// Publish waits until connected and subscribed, sends, waits PUBACK for QOS 1.
func (self *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("mqtt publish qos=%d", msg.QOS)
	}
	self.flight.serial.Lock()
	defer self.flight.serial.Unlock()
	if err := self.WaitReady(ctx); err != nil {
		return errors.Annotate(err, "mqtt publish")
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = self.nextID()
	}
	fu := future.New()
	self.setFlight(fu, publish.ID)
	defer self.setFlight(nil, 0)
	if err := self.send(publish); err != nil {
		return errors.Annotate(err, "mqtt publish")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		return nil
	}

	switch err := fu.Wait(waitLimit(ctx, self.opt.NetworkTimeout)); err {
	case nil:
		return nil
	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return errors.Annotate(e, "mqtt publish")
		}
		return errors.Annotate(ErrClientClosing, "mqtt publish")
	case future.ErrTimeout:
		terr := errors.Timeoutf("mqtt PUBACK id=%d", publish.ID)
		fu.Cancel(terr)
		self.drop(terr)
		return terr
	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

func (self *Client) setFlight(fu *future.Future, id packet.ID) {
	self.flight.Lock()
	self.flight.fu, self.flight.id = fu, id
	self.flight.Unlock()
}

// PushConfig publishes retained configuration request, station receives it on (re)subscribe.
func (self *Client) PushConfig(ctx context.Context, base, station string, r tele_api.ConfigRequest) error {
	if err := r.Validate(); err != nil {
		return errors.Annotate(err, "push config")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Annotate(err, "push config")
	}
	return self.Publish(ctx, &packet.Message{
		Topic:   tele_api.TopicConfigurations(base, station),
		Payload: b,
		QOS:     packet.QOSAtLeastOnce,
		Retain:  true,
	})
}

// WaitReady returns, in this order:
// - ErrClientClosing after Close()
// - nil when connected and subscribed
// - context error when ctx is done first
func (self *Client) WaitReady(ctx context.Context) error {
	for {
		s := self.session(false)
		if s == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-self.alive.StopChan():
				return ErrClientClosing
			}
		}
		switch err := s.waitReady(ctx); err {
		case nil:
			return nil
		case ErrClientClosing: // session lost, wait for next one
		default:
			return err
		}
	}
}

func (self *Client) session(create bool) *session {
	self.Lock()
	defer self.Unlock()
	if !self.alive.IsRunning() {
		return nil
	}
	if self.current != nil && !self.current.alive.IsRunning() {
		self.current = nil
	}
	if self.current == nil && create {
		var sub *packet.Subscribe
		if len(self.opt.Subscriptions) != 0 {
			sub = &packet.Subscribe{ID: self.nextID(), Subscriptions: self.opt.Subscriptions}
		}
		self.current = newSession(&self.opt, sub, self.onPacket)
	}
	return self.current
}

func (self *Client) drop(err error) {
	if s := self.session(false); s != nil {
		_ = s.die(err)
		s.alive.Wait()
	}
}

func (self *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&self.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (self *Client) onPacket(p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		self.onPublish(pt)
	case *packet.Puback:
		self.onPuback(pt.ID)
	default:
		self.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(p))
	}
}

func (self *Client) onPublish(publish *packet.Publish) {
	if publish.Message.QOS > packet.QOSAtLeastOnce {
		go self.drop(errors.NotSupportedf("mqtt receive qos=%d", publish.Message.QOS))
		return
	}
	if self.opt.OnMessage != nil {
		if err := self.opt.OnMessage(&publish.Message); err != nil {
			self.opt.Log.Errorf("mqtt OnMessage %s err=%v", MessageString(&publish.Message), err)
			go self.drop(err)
			return
		}
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = self.send(puback)
	}
}

func (self *Client) onPuback(id packet.ID) {
	self.flight.Lock()
	fu, expect := self.flight.fu, self.flight.id
	self.flight.Unlock()
	if fu == nil {
		self.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	if id != expect {
		// single publish flow, foreign id means broker or session state is broken
		go self.drop(errors.Errorf("mqtt PUBACK id=%d expected=%d", id, expect))
		return
	}
	fu.Complete(id)
}

func (self *Client) send(p packet.Generic) error {
	if s := self.session(true); s != nil {
		return s.send(p)
	}
	return ErrClientClosing
}

func (self *Client) reconnectLoop() {
	stopch := self.alive.StopChan()
	for {
		s := self.session(true)
		if s == nil {
			return
		}
		select {
		case <-s.alive.WaitChan():
		case <-stopch:
			_ = s.die(ErrClientClosing)
			return
		}

		self.opt.Log.Debugf("mqtt reconnect after=%v", self.opt.ReconnectDelay)
		select {
		case <-time.After(self.opt.ReconnectDelay):
		case <-stopch:
			return
		}
	}
}

// session is one broker connection: CONNECT, SUBSCRIBE, keepalive pings, reader.
// Connected and subscribed events are observed via futures.
type session struct {
	alive    *alive.Alive
	closed   uint32
	conn     atomic.Value // transport.Conn
	connfu   *future.Future
	onPacket func(packet.Generic)
	opt      *Options
	sentAt   *atomic_clock.Clock // last outgoing packet
	recvAt   *atomic_clock.Clock // last incoming control packet
	sub      *packet.Subscribe
	subfu    *future.Future
}

func newSession(opt *Options, sub *packet.Subscribe, onPacket func(packet.Generic)) *session {
	s := &session{
		alive:    alive.NewAlive(),
		connfu:   future.New(),
		onPacket: onPacket,
		opt:      opt,
		sentAt:   atomic_clock.New(0),
		recvAt:   atomic_clock.New(0),
		sub:      sub,
		subfu:    future.New(),
	}
	s.alive.Add(1)
	go s.run()
	return s
}

func (s *session) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return e
	}
	s.alive.Stop()
	s.connfu.Cancel(e)
	s.subfu.Cancel(e)
	if conn := s.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (s *session) getConn() transport.Conn {
	if x := s.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (s *session) run() {
	defer s.alive.Done()

	conn, err := s.opt.dialer.Dial(s.opt.BrokerURL)
	if err != nil {
		s.opt.Log.Errorf("mqtt dial broker=%s err=%v", s.opt.BrokerURL, err)
		_ = s.die(errors.Annotatef(err, "mqtt dial broker=%s", s.opt.BrokerURL))
		return
	}
	s.conn.Store(conn)
	if err = s.send(s.opt.connect); err != nil {
		return
	}
	if err = s.expectConnack(conn); err != nil {
		s.opt.Log.Errorf("mqtt connect err=%v", err)
		_ = s.die(err)
		return
	}

	if !s.alive.Add(2) {
		_ = s.die(ErrClientClosing)
		return
	}
	s.recvAt.SetNow()
	go s.pinger()
	go s.reader()

	if s.sub == nil {
		s.subfu.Complete(true)
		return
	}
	if err = s.send(s.sub); err != nil {
		return
	}
	if s.subfu.Wait(s.opt.NetworkTimeout) == future.ErrTimeout {
		_ = s.die(errors.Timeoutf("mqtt SUBACK"))
	}
}

func (s *session) expectConnack(conn transport.Conn) error {
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	defer conn.SetReadTimeout(0)
	pkt, err := conn.Receive()
	if err != nil {
		return errors.Annotate(err, "mqtt expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "mqtt received=%s", PacketString(pkt))
	}
	s.opt.Log.Debugf("mqtt %s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	s.connfu.Complete(true)
	return nil
}

func (s *session) onSuback(suback *packet.Suback) {
	if s.sub == nil || suback.ID != s.sub.ID {
		_ = s.die(errors.Annotatef(client.ErrFailedSubscription, "mqtt SUBACK id=%d unexpected", suback.ID))
		return
	}
	for i, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = s.die(errors.Annotatef(client.ErrFailedSubscription, "topic=%s", s.sub.Subscriptions[i].Topic))
			return
		}
	}
	s.subfu.Complete(true)
}

// pinger sends PINGREQ as late as keepalive allows, counting any outgoing packet as activity.
// Broker silence longer than 1.5*keepalive kills session [MQTT-3.1.2-24].
func (s *session) pinger() {
	defer s.alive.Done()
	if s.opt.KeepaliveSec == 0 {
		return
	}
	keepalive := keepaliveAndHalf(s.opt.KeepaliveSec)
	interval := keepalive - s.opt.NetworkTimeout
	if interval <= 0 {
		interval = time.Duration(s.opt.KeepaliveSec) * time.Second / 2
	}
	stopch := s.alive.StopChan()
	for {
		now := atomic_clock.Now()
		if now.Sub(s.recvAt) > keepalive {
			_ = s.die(client.ErrClientMissingPong)
			return
		}
		idle := now.Sub(s.sentAt)
		if idle >= interval {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
			idle = 0
		}
		select {
		case <-time.After(interval - idle):
		case <-stopch:
			return
		}
	}
}

func (s *session) reader() {
	defer s.alive.Done()

	conn := s.getConn()
	for {
		pkt, err := conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			s.opt.Log.Errorf("mqtt broker closed connection")
			_ = s.die(nil)
			return
		default:
			_ = s.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		s.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = s.die(errors.Errorf("mqtt broker error duplicate CONNACK"))
			return
		case *packet.Pingresp:
			s.recvAt.SetNow()
		case *packet.Suback:
			s.recvAt.SetNow()
			s.onSuback(pt)
		default:
			s.recvAt.SetNow()
			s.onPacket(pkt)
		}
	}
}

func (s *session) send(p packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	s.sentAt.SetNow()
	s.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

// waitReady returns ErrClientClosing if session is dead, nil when connected and subscribed.
func (s *session) waitReady(ctx context.Context) error {
	for {
		if !s.alive.IsRunning() {
			return ErrClientClosing
		}
		poll := waitLimit(ctx, 100*time.Millisecond)
		_ = s.connfu.Wait(poll)
		_ = s.subfu.Wait(poll)
		connected, _ := s.connfu.Result().(bool)
		subscribed, _ := s.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.alive.StopChan():
			return ErrClientClosing
		default:
		}
	}
}

// waitLimit is d shortened to ctx deadline.
func waitLimit(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			if left <= 0 {
				return 1
			}
			return left
		}
	}
	return d
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
