package netsim

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getlantern/mptcp"
	"github.com/getlantern/mptcp/config"
)

// Topology is the yaml description of a network:
//
//	hosts:
//	  - name: client
//	    addrs: [10.0.0.1, 10.0.1.1]
//	  - name: server
//	    addrs: [10.1.0.1]
//	links:
//	  - a: 10.0.0.1
//	    b: 10.1.0.1
//	    delay: 20ms
//	  - a: 10.0.1.1
//	    b: 10.1.0.1
//	    delay: 50ms
//	    loss: 0.01
type Topology struct {
	Hosts []HostSpec `yaml:"hosts"`
	Links []LinkSpec `yaml:"links"`
}

type HostSpec struct {
	Name  string   `yaml:"name"`
	Addrs []string `yaml:"addrs"`
	// Seed makes the host's stack reproducible when set.
	Seed int64 `yaml:"seed"`
}

type LinkSpec struct {
	A     string        `yaml:"a"`
	B     string        `yaml:"b"`
	Delay time.Duration `yaml:"delay"`
	Loss  float64       `yaml:"loss"`
}

// LoadTopology reads a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Topology, error) {
	t := &Topology{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if len(t.Hosts) == 0 {
		return nil, fmt.Errorf("topology has no hosts")
	}
	return t, nil
}

// Build creates the network the topology describes. Every host runs a stack
// configured with cfg.
func (t *Topology) Build(start time.Time, cfg *config.Config, opts ...mptcp.StackOption) (*Network, error) {
	n := New(start)
	for _, hs := range t.Hosts {
		addrs, err := parseAddrs(hs.Addrs)
		if err != nil {
			return nil, fmt.Errorf("host %v: %w", hs.Name, err)
		}
		hostOpts := opts
		if hs.Seed != 0 {
			hostOpts = append(append([]mptcp.StackOption(nil), opts...), mptcp.WithSeed(hs.Seed))
		}
		if _, err := n.AddHost(hs.Name, cfg, addrs, hostOpts...); err != nil {
			return nil, err
		}
	}
	for _, ls := range t.Links {
		addrs, err := parseAddrs([]string{ls.A, ls.B})
		if err != nil {
			return nil, fmt.Errorf("link %v-%v: %w", ls.A, ls.B, err)
		}
		if _, _, err := n.Connect(addrs[0], addrs[1], LinkConfig{Delay: ls.Delay, Loss: ls.Loss}); err != nil {
			return nil, fmt.Errorf("link %v-%v: %w", ls.A, ls.B, err)
		}
	}
	return n, nil
}

// HostNamed returns the host with the given name, if any.
func (n *Network) HostNamed(name string) *Host {
	for _, h := range n.hosts {
		if h.name == name {
			return h
		}
	}
	return nil
}

func parseAddrs(ss []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
