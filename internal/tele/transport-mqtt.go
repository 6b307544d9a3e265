package tele

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

// ClientFactory creates broker client from prepared options.
// Production is mqtt.NewClient, tests inject MqttMock.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

var pahoLogMu sync.Mutex

// paho logs through package globals; last configured service wins
func setPahoLog(log *log2.Log, debug bool) {
	pahoLogMu.Lock()
	defer pahoLogMu.Unlock()
	mqttLog := log.Clone(log2.LDebug)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}

// Broker session is clean and never reconnects by itself.
// Lost connection ends delivery agent, restart reconciles in-progress records.
func (self *Tele) mqttOptions() (*mqtt.ClientOptions, error) {
	c := &self.config
	topicConfig := tele_api.TopicConfigurations(c.BaseTopic, c.StationId)
	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("unexpected mqtt message topic=%s payload=%x", msg.Topic(), msg.Payload())
	}
	connLost := func(_ mqtt.Client, err error) {
		self.log.Errorf("mqtt connection lost err=%v", err)
	}

	opt := mqtt.NewClientOptions().
		AddBroker(c.MqttBroker).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(c.ClientId()).
		SetConnectRetry(false).
		SetConnectTimeout(c.ConnectTimeout()).
		SetConnectionLostHandler(connLost).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(c.Keepalive()).
		SetOrderMatters(false).
		SetPingTimeout(c.ConnectTimeout()).
		SetWriteTimeout(c.ConnectTimeout())
	if c.MqttUsername != "" {
		opt.SetUsername(c.MqttUsername)
	}
	if c.MqttPassword != "" {
		opt.SetPassword(c.MqttPassword)
	}
	tlsconf, err := c.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsconf != nil {
		opt.SetTLSConfig(tlsconf)
	}
	self.log.Debugf("mqtt broker=%s client_id=%s subscribe=%s", c.MqttBroker, c.ClientId(), topicConfig)
	return opt, nil
}

// connect and subscribe within ConnectTimeout each, or fail.
func (self *Tele) mqttConnect(opt *mqtt.ClientOptions) (mqtt.Client, error) {
	c := &self.config
	client := self.newClient(opt)
	if err := self.tokenWait(client.Connect(), "connect"); err != nil {
		return nil, err
	}
	topicConfig := tele_api.TopicConfigurations(c.BaseTopic, c.StationId)
	if err := self.tokenWait(client.Subscribe(topicConfig, qos1, self.onConfigMessage), "subscribe:"+topicConfig); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	return client, nil
}

// Malformed external input is logged and dropped, never fatal.
func (self *Tele) onConfigMessage(_ mqtt.Client, msg mqtt.Message) {
	req, err := tele_api.ParseConfigRequest(msg.Payload())
	if err != nil {
		self.stat.Modify(func(s *tele_api.Stat) { s.ConfigInvalid++ })
		self.log.Errorf("config request invalid topic=%s payload=%q err=%v", msg.Topic(), msg.Payload(), err)
		return
	}
	self.stat.Modify(func(s *tele_api.Stat) { s.ConfigAccepted++ })
	self.log.Infof("config request revision=%d version=%s", req.Revision, req.Configuration.Version)
	if self.confreq.push(req) {
		self.log.Debugf("config request buffer full, collapsed to newest revision")
	}
}

func (self *Tele) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.config.ConnectTimeout()) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	return nil
}
