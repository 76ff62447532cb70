// Package config loads the test configuration and resolves per-role endpoints.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/godzie44/dgramtest/libos"
)

const (
	//RoleEnv selects the role played by the process.
	RoleEnv = "PEER"
	//PathEnv is the default configuration file location.
	PathEnv = "CONFIG_PATH"
)

// section keys
const (
	keyBind      = "bind"
	keyConnectTo = "connect_to"
	keyPeer      = "peer"
)

type Role int

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

//ParseRole accept exactly "initiator" or "responder".
func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator":
		return Initiator, nil
	case "responder":
		return Responder, nil
	}
	return 0, &ConfigurationError{Field: RoleEnv, Reason: fmt.Sprintf("must be initiator or responder, got %q", s)}
}

//RoleFromEnv resolve role from RoleEnv variable, lookup is usually os.LookupEnv.
func RoleFromEnv(lookup func(string) (string, bool)) (Role, error) {
	v, ok := lookup(RoleEnv)
	if !ok {
		return 0, &ConfigurationError{Field: RoleEnv, Reason: "not set"}
	}
	return ParseRole(v)
}

//ConfigurationError report missing or invalid configuration field. It is not transient.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

//Address is a host/port pair as written in the file, both fields are required.
type Address struct {
	Host *string `yaml:"host"`
	Port *int64  `yaml:"port"`
}

type Config struct {
	//MSS is the maximum transfer unit of the transport.
	MSS        int                `yaml:"mss"`
	BufferSize int                `yaml:"buffer_size"`
	Initiator  map[string]Address `yaml:"initiator"`
	Responder  map[string]Address `yaml:"responder"`
}

//Load read and validate yaml configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "path", Reason: "open " + path, Err: err}
	}
	defer f.Close()

	return Decode(f, path)
}

//Decode parse configuration, unknown fields are rejected.
func Decode(r io.Reader, name string) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, &ConfigurationError{Field: name, Reason: "decode", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MSS <= 0 {
		return &ConfigurationError{Field: "mss", Reason: "must be positive"}
	}
	if c.BufferSize < 0 {
		return &ConfigurationError{Field: "buffer_size", Reason: "must not be negative"}
	}
	if c.BufferSize > c.MSS {
		return &ConfigurationError{Field: "buffer_size", Reason: fmt.Sprintf("%d exceeds mss %d", c.BufferSize, c.MSS)}
	}
	return nil
}

func (c *Config) section(role Role) map[string]Address {
	if role == Initiator {
		return c.Initiator
	}
	return c.Responder
}

//Endpoint resolve endpoint named key of the role section.
func (c *Config) Endpoint(role Role, key string) (libos.Endpoint, error) {
	field := role.String() + "." + key

	addr, ok := c.section(role)[key]
	if !ok {
		return libos.Endpoint{}, &ConfigurationError{Field: field, Reason: "missing"}
	}
	if addr.Host == nil {
		return libos.Endpoint{}, &ConfigurationError{Field: field + ".host", Reason: "missing"}
	}
	if addr.Port == nil {
		return libos.Endpoint{}, &ConfigurationError{Field: field + ".port", Reason: "missing"}
	}

	host, err := netip.ParseAddr(strings.TrimSpace(*addr.Host))
	if err != nil {
		return libos.Endpoint{}, &ConfigurationError{Field: field + ".host", Reason: "invalid", Err: err}
	}
	if !host.Is4() {
		return libos.Endpoint{}, &ConfigurationError{Field: field + ".host", Reason: "invalid", Err: libos.ErrNotIPv4}
	}

	if *addr.Port < 0 || *addr.Port > math.MaxUint16 {
		return libos.Endpoint{}, &ConfigurationError{Field: field + ".port", Reason: fmt.Sprintf("%d out of range", *addr.Port)}
	}

	return libos.Endpoint{Addr: host, Port: uint16(*addr.Port)}, nil
}

//Local return endpoint the role binds to.
func (c *Config) Local(role Role) (libos.Endpoint, error) {
	return c.Endpoint(role, keyBind)
}

//Remote return endpoint the role sends to.
func (c *Config) Remote(role Role) (libos.Endpoint, error) {
	if role == Initiator {
		return c.Endpoint(role, keyConnectTo)
	}
	return c.Endpoint(role, keyPeer)
}

//Run is the immutable per-run setup, resolved once and passed to every component.
type Run struct {
	Role       Role
	Local      libos.Endpoint
	Remote     libos.Endpoint
	MSS        int
	BufferSize int
}

var errUnknownRole = errors.New("unknown role")

//Resolve build Run for role.
func (c *Config) Resolve(role Role) (Run, error) {
	if role != Initiator && role != Responder {
		return Run{}, &ConfigurationError{Field: "role", Reason: "resolve", Err: errUnknownRole}
	}

	local, err := c.Local(role)
	if err != nil {
		return Run{}, err
	}
	remote, err := c.Remote(role)
	if err != nil {
		return Run{}, err
	}

	return Run{
		Role:       role,
		Local:      local,
		Remote:     remote,
		MSS:        c.MSS,
		BufferSize: c.BufferSize,
	}, nil
}
