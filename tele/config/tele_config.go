// Separate package is workaround to import cycles.
package tele_config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/url"
	"time"

	"github.com/fieldsense/uplink/helpers"
	"github.com/juju/errors"
)

const (
	DefaultPollInterval      = 3 * time.Second
	DefaultHeartbeatInterval = 300 * time.Second
	DefaultAckTimeout        = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultTeardownTimeout   = 5 * time.Second
	DefaultKeepalive         = 60 * time.Second
	DefaultMaxInFlight       = 100
	DefaultConfigQueueSize   = 32
)

// Connection and delivery agent configuration, already validated value for tele core.
type Config struct { //nolint:maligned
	SendEnabled  bool   `hcl:"send_enable"`
	StationId    string `hcl:"station_id"`
	BaseTopic    string `hcl:"base_topic"`
	LogDebug     bool   `hcl:"log_debug"`
	MqttBroker   string `hcl:"mqtt_broker"`
	MqttClientId string `hcl:"mqtt_client_id"`
	MqttLogDebug bool   `hcl:"mqtt_log_debug"`
	MqttUsername string `hcl:"mqtt_username"`
	MqttPassword string `hcl:"mqtt_password"` // secret
	TlsCaFile    string `hcl:"tls_ca_file"`

	AckTimeoutSec        int `hcl:"ack_timeout_sec"`
	ConfigQueueSize      int `hcl:"config_queue_size"`
	ConnectTimeoutSec    int `hcl:"connect_timeout_sec"`
	HeartbeatIntervalSec int `hcl:"heartbeat_interval_sec"`
	KeepaliveSec         int `hcl:"keepalive_sec"`
	MaxInFlight          int `hcl:"max_in_flight"`
	PollIntervalSec      int `hcl:"poll_interval_sec"`
	TeardownTimeoutSec   int `hcl:"teardown_timeout_sec"`

	// Set by state from persist root, not config file.
	StorePath  string `hcl:"-"`
	ArchiveDir string `hcl:"-"`
}

func (c *Config) AckTimeout() time.Duration {
	return helpers.IntSecondDefault(c.AckTimeoutSec, DefaultAckTimeout)
}
func (c *Config) ConnectTimeout() time.Duration {
	return helpers.IntSecondDefault(c.ConnectTimeoutSec, DefaultConnectTimeout)
}
func (c *Config) HeartbeatInterval() time.Duration {
	return helpers.IntSecondDefault(c.HeartbeatIntervalSec, DefaultHeartbeatInterval)
}
func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
func (c *Config) PollInterval() time.Duration {
	return helpers.IntSecondDefault(c.PollIntervalSec, DefaultPollInterval)
}
func (c *Config) TeardownTimeout() time.Duration {
	return helpers.IntSecondDefault(c.TeardownTimeoutSec, DefaultTeardownTimeout)
}
func (c *Config) MaxInFlightOrDefault() int {
	return helpers.IntDefault(c.MaxInFlight, DefaultMaxInFlight)
}
func (c *Config) ConfigQueueSizeOrDefault() int {
	return helpers.IntDefault(c.ConfigQueueSize, DefaultConfigQueueSize)
}

// ClientId defaults to station id, broker sessions are per station.
func (c *Config) ClientId() string {
	if c.MqttClientId != "" {
		return c.MqttClientId
	}
	return "station-" + c.StationId
}

// TLSConfig trusts only TlsCaFile. Returns nil without CA file, system roots apply for tls:// broker.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TlsCaFile == "" {
		return nil, nil
	}
	cabytes, err := ioutil.ReadFile(c.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "TLS")
	}
	tlsconf := &tls.Config{RootCAs: x509.NewCertPool()}
	if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("TLS CA file=%s no certificates", c.TlsCaFile)
	}
	return tlsconf, nil
}

func (c *Config) Validate() error {
	if c.StationId == "" {
		return errors.NotValidf("tele station_id=empty")
	}
	if c.MqttBroker == "" {
		return errors.NotValidf("tele mqtt_broker=empty")
	}
	if _, err := url.ParseRequestURI(c.MqttBroker); err != nil {
		return errors.NewNotValid(err, "tele mqtt_broker")
	}
	return nil
}
