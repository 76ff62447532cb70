package config

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 1500, cfg.MSS)
	assert.Equal(t, 64, cfg.BufferSize)

	run, err := cfg.Resolve(Initiator)
	require.NoError(t, err)
	assert.Equal(t, Initiator, run.Role)
	assert.Equal(t, "127.0.0.1:23456", run.Local.String())
	assert.Equal(t, "127.0.0.1:12345", run.Remote.String())

	run, err = cfg.Resolve(Responder)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:12345", run.Local.String())
	assert.Equal(t, "127.0.0.1:23456", run.Remote.String())
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), run.Remote.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/absent.yaml")

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "path", cfgErr.Field)
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name  string
		doc   string
		field string
	}{
		{name: "unknown field", doc: "mss: 10\nmtu: 10\n", field: "test"},
		{name: "no mss", doc: "buffer_size: 10\n", field: "mss"},
		{name: "negative buffer", doc: "mss: 10\nbuffer_size: -1\n", field: "buffer_size"},
		{name: "buffer exceeds mss", doc: "mss: 10\nbuffer_size: 11\n", field: "buffer_size"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.doc), "test")

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestEndpointErrors(t *testing.T) {
	testCases := []struct {
		name  string
		doc   string
		field string
	}{
		{name: "missing section entry", doc: "initiator:\n  connect_to: {host: 127.0.0.1, port: 1}\n", field: "initiator.bind"},
		{name: "missing host", doc: "initiator:\n  bind: {port: 1}\n", field: "initiator.bind.host"},
		{name: "missing port", doc: "initiator:\n  bind: {host: 127.0.0.1}\n", field: "initiator.bind.port"},
		{name: "port too big", doc: "initiator:\n  bind: {host: 127.0.0.1, port: 65536}\n", field: "initiator.bind.port"},
		{name: "negative port", doc: "initiator:\n  bind: {host: 127.0.0.1, port: -1}\n", field: "initiator.bind.port"},
		{name: "bad host", doc: "initiator:\n  bind: {host: localhost, port: 1}\n", field: "initiator.bind.host"},
		{name: "ipv6 host", doc: "initiator:\n  bind: {host: '::1', port: 1}\n", field: "initiator.bind.host"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode(strings.NewReader("mss: 100\n"+tc.doc), "test")
			require.NoError(t, err)

			_, err = cfg.Local(Initiator)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestEndpointPortBounds(t *testing.T) {
	cfg, err := Decode(strings.NewReader("mss: 100\nresponder:\n  bind: {host: 0.0.0.0, port: 65535}\n  peer: {host: 10.0.0.2, port: 0}\n"), "test")
	require.NoError(t, err)

	local, err := cfg.Local(Responder)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), local.Port)

	remote, err := cfg.Remote(Responder)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), remote.Port)
}

func TestRole(t *testing.T) {
	env := func(vals map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := vals[k]
			return v, ok
		}
	}

	role, err := RoleFromEnv(env(map[string]string{RoleEnv: "initiator"}))
	require.NoError(t, err)
	assert.Equal(t, Initiator, role)

	role, err = RoleFromEnv(env(map[string]string{RoleEnv: "responder"}))
	require.NoError(t, err)
	assert.Equal(t, Responder, role)
	assert.Equal(t, "responder", role.String())

	for _, bad := range []string{"server", "client", "Initiator", ""} {
		_, err = RoleFromEnv(env(map[string]string{RoleEnv: bad}))
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), bad)
	}

	_, err = RoleFromEnv(env(nil))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, RoleEnv, cfgErr.Field)

	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)
	_, err = cfg.Resolve(Role(0))
	assert.ErrorIs(t, err, errUnknownRole)
}
