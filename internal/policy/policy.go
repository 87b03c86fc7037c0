// Package policy decides which outbound hosts and optional capabilities the
// analyst may use. Everything is denied until allowlisted.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Capabilities gate optional integrations.
const (
	CapGeoOverpass  = "geo.overpass"
	CapGeoNominatim = "geo.nominatim"
	CapGeoMCP       = "geo.mcp"
)

// Checker is the interface used by consumers to check egress.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

func Default() Policy {
	return Policy{}
}

var knownCapabilities = map[string]struct{}{
	CapGeoOverpass:  {},
	CapGeoNominatim: {},
	CapGeoMCP:       {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" && scheme != "ws" && scheme != "wss" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // hostname
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// Validate rejects unknown capabilities and allow_domains entries that are
// not bare host names.
func (p Policy) Validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	for _, d := range p.AllowDomains {
		d = strings.TrimSpace(d)
		if strings.ContainsAny(d, "/:@*? ") {
			return fmt.Errorf("allow_domains entry %q must be a bare host name", d)
		}
	}
	return nil
}

// LivePolicy wraps a Policy so the config watcher can swap it while turns
// are running.
type LivePolicy struct {
	cur atomic.Pointer[Policy]
}

func NewLivePolicy(initial Policy) *LivePolicy {
	lp := &LivePolicy{}
	lp.cur.Store(&initial)
	return lp
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	return lp.cur.Load().AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	return lp.cur.Load().AllowCapability(capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	return policyVersionFor(*lp.cur.Load())
}

// Reload replaces the policy. An invalid policy is rejected and the previous
// one stays active.
func (lp *LivePolicy) Reload(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	lp.cur.Store(&p)
	return nil
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	cp := *lp.cur.Load()
	cp.AllowDomains = slices.Clone(cp.AllowDomains)
	cp.AllowCapabilities = slices.Clone(cp.AllowCapabilities)
	return cp
}

// policyVersionFor fingerprints the normalized allowlists, so reordering or
// re-casing entries in policy.yaml does not produce a new version.
func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, list := range [][]string{normalized(p.AllowDomains), normalized(p.AllowCapabilities)} {
		for _, v := range list {
			_, _ = h.Write([]byte(v))
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{1})
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("loopback"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func normalized(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
