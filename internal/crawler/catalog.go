package crawler

import (
	"fmt"
	"sort"
	"time"
)

// EndpointSpec configures the call budget of one platform endpoint.
type EndpointSpec struct {
	Name   string
	Limit  int
	Window time.Duration
}

// JobTypeSpec configures the cadence of one job type.
type JobTypeSpec struct {
	Name     string
	Interval time.Duration
}

// PlatformSpec describes one external platform.
type PlatformSpec struct {
	Name            string
	Enabled         bool
	PrimaryEndpoint string
	PacingRPS       float64
	PacingBurst     int
	Endpoints       []EndpointSpec
	JobTypes        []JobTypeSpec
}

// Catalog is the validated, read-only set of configured platforms.
type Catalog struct {
	platforms []PlatformSpec
	index     map[string]int
}

// NewCatalog validates the platform specs and sorts them by name.
func NewCatalog(platforms []PlatformSpec) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(platforms))}
	for _, p := range platforms {
		if err := validatePlatform(p); err != nil {
			return nil, err
		}
		if _, dup := c.index[p.Name]; dup {
			return nil, Configf("platform %q defined twice", p.Name)
		}
		p.Endpoints = append([]EndpointSpec(nil), p.Endpoints...)
		p.JobTypes = append([]JobTypeSpec(nil), p.JobTypes...)
		sort.Slice(p.Endpoints, func(i, j int) bool { return p.Endpoints[i].Name < p.Endpoints[j].Name })
		sort.Slice(p.JobTypes, func(i, j int) bool { return p.JobTypes[i].Name < p.JobTypes[j].Name })
		c.index[p.Name] = len(c.platforms)
		c.platforms = append(c.platforms, p)
	}
	sort.Slice(c.platforms, func(i, j int) bool { return c.platforms[i].Name < c.platforms[j].Name })
	for i, p := range c.platforms {
		c.index[p.Name] = i
	}
	return c, nil
}

func validatePlatform(p PlatformSpec) error {
	if p.Name == "" {
		return Configf("platform name is required")
	}
	if len(p.JobTypes) == 0 {
		return Configf("platform %q has no job types", p.Name)
	}
	if len(p.Endpoints) == 0 {
		return Configf("platform %q has no endpoints", p.Name)
	}
	primary := false
	for _, e := range p.Endpoints {
		if e.Limit <= 0 {
			return Configf("platform %q endpoint %q limit must be > 0", p.Name, e.Name)
		}
		if e.Window <= 0 {
			return Configf("platform %q endpoint %q window must be > 0", p.Name, e.Name)
		}
		if e.Name == p.PrimaryEndpoint {
			primary = true
		}
	}
	if !primary {
		return Configf("platform %q primary endpoint %q is not configured", p.Name, p.PrimaryEndpoint)
	}
	for _, jt := range p.JobTypes {
		if jt.Name == "" {
			return Configf("platform %q has a job type without a name", p.Name)
		}
		if jt.Interval <= 0 {
			return Configf("platform %q job type %q interval must be > 0", p.Name, jt.Name)
		}
	}
	return nil
}

// Platforms returns every configured platform.
func (c *Catalog) Platforms() []PlatformSpec {
	return append([]PlatformSpec(nil), c.platforms...)
}

// Enabled returns the enabled platforms.
func (c *Catalog) Enabled() []PlatformSpec {
	out := make([]PlatformSpec, 0, len(c.platforms))
	for _, p := range c.platforms {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Platform looks up a platform by name.
func (c *Catalog) Platform(name string) (PlatformSpec, bool) {
	i, ok := c.index[name]
	if !ok {
		return PlatformSpec{}, false
	}
	return c.platforms[i], true
}

// Endpoint looks up one endpoint of a platform.
func (c *Catalog) Endpoint(platform, endpoint string) (EndpointSpec, bool) {
	p, ok := c.Platform(platform)
	if !ok {
		return EndpointSpec{}, false
	}
	for _, e := range p.Endpoints {
		if e.Name == endpoint {
			return e, true
		}
	}
	return EndpointSpec{}, false
}

// Interval returns the configured cadence of key.
func (c *Catalog) Interval(key JobKey) (time.Duration, bool) {
	p, ok := c.Platform(key.Platform)
	if !ok {
		return 0, false
	}
	for _, jt := range p.JobTypes {
		if jt.Name == key.JobType {
			return jt.Interval, true
		}
	}
	return 0, false
}

// KeysFor returns every key of one platform.
func (c *Catalog) KeysFor(platform string) []JobKey {
	p, ok := c.Platform(platform)
	if !ok {
		return nil
	}
	keys := make([]JobKey, 0, len(p.JobTypes))
	for _, jt := range p.JobTypes {
		keys = append(keys, JobKey{Platform: p.Name, JobType: jt.Name})
	}
	return keys
}

// Keys returns every key of every enabled platform.
func (c *Catalog) Keys() []JobKey {
	var keys []JobKey
	for _, p := range c.Enabled() {
		keys = append(keys, c.KeysFor(p.Name)...)
	}
	return keys
}

// RequirePlatform returns a ConfigurationError for unknown platforms.
func (c *Catalog) RequirePlatform(name string) (PlatformSpec, error) {
	p, ok := c.Platform(name)
	if !ok {
		return PlatformSpec{}, Configf("unknown platform %q", name)
	}
	return p, nil
}

// String summarizes the catalog for logs.
func (c *Catalog) String() string {
	return fmt.Sprintf("catalog(%d platforms, %d keys)", len(c.platforms), len(c.Keys()))
}
