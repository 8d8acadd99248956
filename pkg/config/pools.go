package config

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// VlanRange is an inclusive range of VLAN tags. In YAML it is written either
// as a single tag (`300`) or as `from-to` (`"100-999"`).
type VlanRange struct {
	From int
	To   int
}

// ParseVlanRange parses "N" or "A-B".
func ParseVlanRange(s string) (VlanRange, error) {
	s = strings.TrimSpace(s)
	from, to, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return VlanRange{}, fmt.Errorf("invalid vlan range %q: %w", s, err)
	}
	b := a
	if found {
		if b, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
			return VlanRange{}, fmt.Errorf("invalid vlan range %q: %w", s, err)
		}
	}
	r := VlanRange{From: a, To: b}
	if err := r.validate(); err != nil {
		return VlanRange{}, err
	}
	return r, nil
}

func (r VlanRange) validate() error {
	if r.From < 1 || r.To > 4094 || r.From > r.To {
		return fmt.Errorf("invalid vlan range %d-%d: tags must be within 1-4094 and ascending", r.From, r.To)
	}
	return nil
}

func (r VlanRange) String() string {
	if r.From == r.To {
		return strconv.Itoa(r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// Pools is the universe of allocatable network resources. It is read once at
// startup and never mutated afterwards.
type Pools struct {
	Vlans []VlanRange `mapstructure:"vlans"`
	// Networks maps an access class to the address ranges subnets of that
	// class are carved from.
	Networks map[string][]netip.Prefix `mapstructure:"networks"`
	// Exclude is never handed out, whatever the access class.
	Exclude []netip.Prefix `mapstructure:"exclude"`
}

// DefaultPools mirrors the stock settings of a fresh installation.
func DefaultPools() Pools {
	return Pools{
		Vlans: []VlanRange{{From: 100, To: 999}},
		Networks: map[string][]netip.Prefix{
			"public":  {netip.MustParsePrefix("172.18.0.0/16")},
			"private": {netip.MustParsePrefix("10.1.0.0/16")},
		},
		Exclude: []netip.Prefix{netip.MustParsePrefix("10.20.0.0/24")},
	}
}

// VlanIDs expands the configured ranges into a sorted list of unique tags.
func (p Pools) VlanIDs() []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, r := range p.Vlans {
		for id := r.From; id <= r.To; id++ {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// AccessClasses returns the sorted access class names that have a pool.
func (p Pools) AccessClasses() []string {
	names := make([]string, 0, len(p.Networks))
	for name := range p.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the pools are usable for allocation.
func (p Pools) Validate() error {
	if len(p.Vlans) == 0 {
		return fmt.Errorf("pools.vlans must not be empty")
	}
	for _, r := range p.Vlans {
		if err := r.validate(); err != nil {
			return err
		}
	}
	if len(p.Networks) == 0 {
		return fmt.Errorf("pools.networks must define at least one access class")
	}
	for access, prefixes := range p.Networks {
		if len(prefixes) == 0 {
			return fmt.Errorf("pools.networks.%s must not be empty", access)
		}
		for _, pfx := range prefixes {
			if !pfx.IsValid() || !pfx.Addr().Is4() {
				return fmt.Errorf("pools.networks.%s: %q is not an IPv4 prefix", access, pfx)
			}
		}
	}
	for _, pfx := range p.Exclude {
		if !pfx.IsValid() || !pfx.Addr().Is4() {
			return fmt.Errorf("pools.exclude: %q is not an IPv4 prefix", pfx)
		}
	}
	return nil
}
