package tele

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/juju/errors"
)

const MinConfigVersionLength = 5

// ConfigRequest is inbound configuration revision update.
// Only Revision and Configuration.Version are inspected by this module.
type ConfigRequest struct {
	Revision      int           `json:"revision"`
	Configuration Configuration `json:"configuration"`
}

// Configuration keeps unknown fields in Extra for forward compatibility.
type Configuration struct {
	Version string
	Extra   map[string]json.RawMessage
}

func (c Configuration) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(c.Extra)+1)
	for k, v := range c.Extra {
		m[k] = v
	}
	v, err := json.Marshal(c.Version)
	if err != nil {
		return nil, err
	}
	m["version"] = v
	return json.Marshal(m)
}

func (c *Configuration) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if m == nil {
		return errors.NotValidf("configuration=null")
	}
	rawVersion, ok := m["version"]
	if !ok {
		return errors.NotValidf("configuration.version missing")
	}
	if err := json.Unmarshal(rawVersion, &c.Version); err != nil {
		return errors.Annotate(err, "configuration.version")
	}
	delete(m, "version")
	c.Extra = nil
	if len(m) != 0 {
		c.Extra = m
	}
	return nil
}

func (r *ConfigRequest) Validate() error {
	if r.Revision < 0 {
		return errors.NotValidf("config request revision=%d", r.Revision)
	}
	if utf8.RuneCountInString(r.Configuration.Version) < MinConfigVersionLength {
		return errors.NotValidf("config request version=%q shorter than %d", r.Configuration.Version, MinConfigVersionLength)
	}
	return nil
}

// ParseConfigRequest validates broker payload.
// Required: revision>=0, configuration.version string len>=5. Unknown fields are accepted.
func ParseConfigRequest(payload []byte) (ConfigRequest, error) {
	var raw struct {
		Revision      *int           `json:"revision"`
		Configuration *Configuration `json:"configuration"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ConfigRequest{}, errors.Annotate(err, "config request")
	}
	if raw.Revision == nil {
		return ConfigRequest{}, errors.NotValidf("config request revision missing")
	}
	if raw.Configuration == nil {
		return ConfigRequest{}, errors.NotValidf("config request configuration missing")
	}
	r := ConfigRequest{Revision: *raw.Revision, Configuration: *raw.Configuration}
	return r, r.Validate()
}
