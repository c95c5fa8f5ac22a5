package network

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// configDocument is the stored form of a network config. Only Signed is
// authoritative; the other fields make the file readable and are checked
// against it on load.
type configDocument struct {
	NetworkID string          `yaml:"network_id"`
	Name      string          `yaml:"name,omitempty"`
	Type      string          `yaml:"type"`
	Revision  uint64          `yaml:"revision"`
	Timestamp int64           `yaml:"timestamp"`
	MTU       uint16          `yaml:"mtu"`
	IssuedTo  string          `yaml:"issued_to"`
	StaticIPs []string        `yaml:"static_ips,omitempty"`
	Routes    []routeDocument `yaml:"routes,omitempty"`
	Rules     int             `yaml:"rules"`
	Signed    string          `yaml:"signed"`
}

type routeDocument struct {
	Target string `yaml:"target"`
	Via    string `yaml:"via,omitempty"`
	Metric uint16 `yaml:"metric,omitempty"`
}

// FormatNetworkID renders a network ID as 16 hex digits.
func FormatNetworkID(nwid uint64) string { return fmt.Sprintf("%016x", nwid) }

// ParseNetworkID parses the 16 hex digit form.
func ParseNetworkID(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, oops.Errorf("network: network ID %q must be 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, oops.Wrapf(err, "network: parsing network ID %q", s)
	}
	return v, nil
}

// EncodeDocument renders the config as a yaml document for the store.
func (c *NetworkConfig) EncodeDocument() ([]byte, error) {
	doc := configDocument{
		NetworkID: FormatNetworkID(c.NetworkID),
		Name:      c.Name,
		Type:      c.Type.String(),
		Revision:  c.Revision,
		Timestamp: c.Timestamp,
		MTU:       c.MTU,
		IssuedTo:  c.IssuedTo.String(),
		Rules:     len(c.Rules),
		Signed:    hex.EncodeToString(c.Marshal()),
	}
	for _, p := range c.StaticIPs {
		doc.StaticIPs = append(doc.StaticIPs, p.String())
	}
	for _, r := range c.Routes {
		rd := routeDocument{Target: r.Target.String(), Metric: r.Metric}
		if r.Via.IsValid() {
			rd.Via = r.Via.String()
		}
		doc.Routes = append(doc.Routes, rd)
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, oops.Wrapf(err, "network: encoding config document")
	}
	return out, nil
}

// DecodeDocument parses a stored yaml document back into a config.
func DecodeDocument(data []byte) (*NetworkConfig, error) {
	var doc configDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Wrapf(err, "network: decoding config document")
	}
	raw, err := hex.DecodeString(doc.Signed)
	if err != nil {
		return nil, ErrConfigDocument
	}
	c, err := UnmarshalConfig(raw)
	if err != nil {
		return nil, err
	}
	nwid, err := ParseNetworkID(doc.NetworkID)
	if err != nil || nwid != c.NetworkID || doc.Revision != c.Revision {
		return nil, ErrConfigDocument
	}
	return c, nil
}
