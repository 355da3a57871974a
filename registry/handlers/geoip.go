package handlers

import (
	"fmt"
	"net"
	"strings"

	"github.com/quay/quay-sub006/configuration"
)

// GeoIPResolver resolves client IPs to ISO country codes. An empty code means the location is unknown.
type GeoIPResolver interface {
	Country(ip string) string
}

type geoNetwork struct {
	network *net.IPNet
	country string
}

// cidrResolver resolves countries from a static table of networks. The most specific matching network wins.
type cidrResolver struct {
	networks []geoNetwork
}

// NewCIDRResolver builds a resolver from the geoip configuration section.
func NewCIDRResolver(cfg configuration.GeoIP) (GeoIPResolver, error) {
	r := &cidrResolver{networks: make([]geoNetwork, 0, len(cfg.Networks))}
	for _, n := range cfg.Networks {
		_, ipnet, err := net.ParseCIDR(n.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", n.CIDR, err)
		}
		r.networks = append(r.networks, geoNetwork{network: ipnet, country: strings.ToUpper(n.Country)})
	}
	return r, nil
}

func (r *cidrResolver) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}

	var (
		country string
		best    = -1
	)
	for _, n := range r.networks {
		if !n.network.Contains(addr) {
			continue
		}
		if ones, _ := n.network.Mask.Size(); ones > best {
			best, country = ones, n.country
		}
	}
	return country
}
