package dispatch

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Channel binds one sending number to a tenant and, optionally, a campaign.
type Channel struct {
	Tenant   string `yaml:"tenant"`
	Number   string `yaml:"number"`
	Campaign string `yaml:"campaign,omitempty"`
}

// Channels is the identity roster loaded from the channels file:
//
//	dispatch:
//	  channels:
//	    - tenant: acme
//	      number: "+15125550001"
//	      campaign: spring
type Channels struct {
	Channels []Channel `yaml:"channels"`
}

type channelsFile struct {
	Dispatch Channels `yaml:"dispatch"`
}

// LoadChannels reads a channels file. An empty path yields an empty roster.
func LoadChannels(path string) (*Channels, error) {
	if path == "" {
		return &Channels{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: read channels file %s", path)
	}
	return ParseChannels(data)
}

// ParseChannels decodes and validates channels YAML.
func ParseChannels(data []byte) (*Channels, error) {
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "dispatch: parse channels")
	}
	for i, ch := range f.Dispatch.Channels {
		if strings.TrimSpace(ch.Tenant) == "" || strings.TrimSpace(ch.Number) == "" {
			return nil, eris.Errorf("dispatch: channel %d needs tenant and number", i)
		}
	}
	return &f.Dispatch, nil
}

// ForTenant returns the channels bound to tenant.
func (c *Channels) ForTenant(tenant string) []Channel {
	if c == nil {
		return nil
	}
	var out []Channel
	for _, ch := range c.Channels {
		if ch.Tenant == tenant {
			out = append(out, ch)
		}
	}
	return out
}

// Register adds the tenant's channels to the pool. Existing identities keep
// their counters and health.
func (c *Channels) Register(ctx context.Context, pool *Pool, tenant string) (int, error) {
	n := 0
	for _, ch := range c.ForTenant(tenant) {
		if _, err := pool.Add(ctx, ch.Tenant, ch.Number, ch.Campaign); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
