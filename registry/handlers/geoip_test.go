package handlers

import (
	"testing"

	"github.com/quay/quay-sub006/configuration"
	"github.com/stretchr/testify/require"
)

func TestCIDRResolver(t *testing.T) {
	r, err := NewCIDRResolver(configuration.GeoIP{Networks: []configuration.GeoIPNetwork{
		{CIDR: "10.0.0.0/8", Country: "us"},
		{CIDR: "10.20.0.0/16", Country: "KP"},
		{CIDR: "2001:db8::/32", Country: "CU"},
	}})
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want string
	}{
		{ip: "10.1.2.3", want: "US"},
		{ip: "10.20.1.1", want: "KP"},
		{ip: "2001:db8::1", want: "CU"},
		{ip: "192.168.1.1", want: ""},
		{ip: "not-an-ip", want: ""},
		{ip: "", want: ""},
	}

	for _, test := range tests {
		t.Run(test.ip, func(t *testing.T) {
			require.Equal(t, test.want, r.Country(test.ip))
		})
	}
}

func TestCIDRResolver_Empty(t *testing.T) {
	r, err := NewCIDRResolver(configuration.GeoIP{})
	require.NoError(t, err)
	require.Empty(t, r.Country("10.1.2.3"))
}

func TestCIDRResolver_InvalidNetwork(t *testing.T) {
	_, err := NewCIDRResolver(configuration.GeoIP{Networks: []configuration.GeoIPNetwork{{CIDR: "10.0.0.1", Country: "US"}}})
	require.Error(t, err)
}
