// Package config loads tunnel settings from a TOML file. Command line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"shadow-tunnel/internal/application"
	"shadow-tunnel/internal/cryptor"
	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/protocol"
)

const (
	RoleClient = "client"
	RoleServer = "server"

	ModeReactor = "reactor"
	ModeTask    = "task"

	defaultDNSPort = 53
)

type Config struct {
	ListenAddr    string        `toml:"listen_addr"`
	ListenPort    int           `toml:"listen_port"`
	RemoteHost    string        `toml:"remote_host"`
	RemotePort    int           `toml:"remote_port"`
	Password      string        `toml:"password"`
	Method        string        `toml:"method"`
	LocalProtocol string        `toml:"local_protocol"`
	Mode          string        `toml:"mode"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	DNSServer     string        `toml:"dns_server"`
	HostsFile     string        `toml:"hosts_file"`
	Verbose       bool          `toml:"verbose"`
	LogFile       string        `toml:"log_file"`
}

func Default() Config {
	return Config{
		ListenPort:    domain.DefaultLocalPort,
		Method:        domain.MethodAES256CFB,
		LocalProtocol: application.LocalProtocolHTTP,
		Mode:          ModeReactor,
		IdleTimeout:   application.DefaultIdleTimeout,
	}
}

// Load reads path over the defaults. Unknown keys are an error so that a
// misspelt setting is not silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the settings needed to run as role.
func (c Config) Validate(role string) error {
	var errs []error
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if _, err := cryptor.PickMethod(c.Method); err != nil {
		errs = append(errs, err)
	}
	if c.Mode != ModeReactor && c.Mode != ModeTask {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout %s is negative", c.IdleTimeout))
	}
	if c.ListenAddr != "" {
		if _, err := netip.ParseAddr(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("listen_addr: %w", err))
		}
	}
	if _, err := c.dnsServer(); err != nil {
		errs = append(errs, err)
	}

	switch role {
	case RoleClient:
		if _, err := c.ServerAddress(); err != nil {
			errs = append(errs, err)
		}
		if c.LocalProtocol != application.LocalProtocolHTTP && c.LocalProtocol != application.LocalProtocolShadow {
			errs = append(errs, fmt.Errorf("unknown local_protocol %q", c.LocalProtocol))
		}
	case RoleServer:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	return errors.Join(errs...)
}

// ServerAddress is the tunnel server a client connects to.
func (c Config) ServerAddress() (protocol.Address, error) {
	if c.RemoteHost == "" {
		return protocol.Address{}, errors.New("remote_host is required")
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return protocol.Address{}, fmt.Errorf("remote_port %d out of range", c.RemotePort)
	}
	return protocol.NewAddress(c.RemoteHost, uint16(c.RemotePort))
}

// dnsServer parses dns_server, which may omit the port.
func (c Config) dnsServer() (netip.AddrPort, error) {
	if c.DNSServer == "" {
		return netip.AddrPort{}, nil
	}
	if ap, err := netip.ParseAddrPort(c.DNSServer); err == nil {
		return ap, nil
	}
	ip, err := netip.ParseAddr(strings.Trim(c.DNSServer, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("dns_server %q: %w", c.DNSServer, err)
	}
	return netip.AddrPortFrom(ip, defaultDNSPort), nil
}

// Options converts the settings for the tunnel services.
func (c Config) Options() (application.Options, error) {
	var listen netip.Addr
	if c.ListenAddr != "" {
		ip, err := netip.ParseAddr(c.ListenAddr)
		if err != nil {
			return application.Options{}, fmt.Errorf("listen_addr: %w", err)
		}
		listen = ip
	}
	dnsServer, err := c.dnsServer()
	if err != nil {
		return application.Options{}, err
	}

	return application.Options{
		Listen:      netip.AddrPortFrom(listen, uint16(c.ListenPort)),
		Method:      c.Method,
		Password:    c.Password,
		IdleTimeout: c.IdleTimeout,
		DNSServer:   dnsServer,
		HostsFile:   c.HostsFile,
	}, nil
}

// ListenString is the listen address in host:port form, for logs.
func (c Config) ListenString() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}
