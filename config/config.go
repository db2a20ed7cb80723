// Package config defines the JSON file shapes for stund/stun and
// resolves them into the runtime structs client/server actually
// consume, the same FileConfig-to-Config split the teacher's
// socks5daemon package uses for its own profile loading.
package config

import (
	"fmt"
	"net"
	"time"

	commonsconfig "github.com/bridgefall/stun/commons/config"
	"github.com/bridgefall/stun/session/profilecbor"
)

// ServerFileConfig is the on-disk shape of a stund config file.
type ServerFileConfig struct {
	ListenAddr        string                 `json:"listenAddr"`
	TunnelSubnet      string                 `json:"tunnelSubnet"`
	TunnelDeviceName  string                 `json:"tunnelDeviceName,omitempty"`
	Secret            string                 `json:"secret"`
	RotationInterval  commonsconfig.Duration `json:"rotationInterval"`
	PaddingTo         int                    `json:"paddingTo"`
	ReplayWindowLimit uint64                 `json:"replayWindowLimit"`
	RateLimitPPS      int                    `json:"rateLimitPPS"`
	RateLimitBurst    int                    `json:"rateLimitBurst"`
	LogLevel          string                 `json:"logLevel,omitempty"`
	MetricsListenAddr string                 `json:"metricsListenAddr,omitempty"`
}

// ServerConfig is the resolved runtime configuration for a stund
// process.
type ServerConfig struct {
	ListenAddr        string
	Subnet            *net.IPNet
	TunnelDeviceName  string
	Secret            string
	RotationInterval  time.Duration
	Profile           profilecbor.Profile
	LogLevel          string
	MetricsListenAddr string
}

// LoadServerConfig reads and resolves a stund config file.
func LoadServerConfig(path string) (ServerConfig, error) {
	var fc ServerFileConfig
	if err := commonsconfig.LoadJSONFile(path, &fc); err != nil {
		return ServerConfig{}, err
	}
	return fc.resolve()
}

func (fc ServerFileConfig) resolve() (ServerConfig, error) {
	if fc.ListenAddr == "" {
		return ServerConfig{}, fmt.Errorf("config: listenAddr is required")
	}
	if fc.Secret == "" {
		return ServerConfig{}, fmt.Errorf("config: secret is required")
	}
	_, subnet, err := net.ParseCIDR(fc.TunnelSubnet)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: invalid tunnelSubnet %q: %w", fc.TunnelSubnet, err)
	}

	profile := profilecbor.Default()
	profile.PaddingTo = fc.PaddingTo
	if fc.RotationInterval.Duration > 0 {
		profile.RotationInterval = fc.RotationInterval.Duration
	}
	if fc.ReplayWindowLimit > 0 {
		profile.ReplayWindowLimit = fc.ReplayWindowLimit
	}
	if fc.RateLimitPPS > 0 {
		profile.RateLimitPPS = fc.RateLimitPPS
	}
	if fc.RateLimitBurst > 0 {
		profile.RateLimitBurst = fc.RateLimitBurst
	}

	logLevel := fc.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return ServerConfig{
		ListenAddr:        fc.ListenAddr,
		Subnet:            subnet,
		TunnelDeviceName:  fc.TunnelDeviceName,
		Secret:            fc.Secret,
		RotationInterval:  profile.RotationInterval,
		Profile:           profile,
		LogLevel:          logLevel,
		MetricsListenAddr: fc.MetricsListenAddr,
	}, nil
}

// ClientFileConfig is the on-disk shape of a stun (client) config
// file.
type ClientFileConfig struct {
	ServerAddr        string                 `json:"serverAddr"`
	Secret            string                 `json:"secret"`
	RequestedUser     string                 `json:"requestedUser,omitempty"`
	TunnelDeviceName  string                 `json:"tunnelDeviceName,omitempty"`
	ReconnectDelay    commonsconfig.Duration `json:"reconnectDelay"`
	PaddingTo         int                    `json:"paddingTo,omitempty"`
	LogLevel          string                 `json:"logLevel,omitempty"`
	MetricsListenAddr string                 `json:"metricsListenAddr,omitempty"`
}

// ClientConfig is the resolved runtime configuration for a stun
// process.
type ClientConfig struct {
	ServerAddr        string
	Secret            string
	RequestedUser     string
	TunnelDeviceName  string
	ReconnectDelay    time.Duration
	PaddingTo         int
	LogLevel          string
	MetricsListenAddr string
}

// defaultReconnectDelay matches SPEC_FULL.md §8 Scenario 6's fixed
// reconnect-after-disconnect delay.
const defaultReconnectDelay = 5 * time.Second

// LoadClientConfig reads and resolves a stun config file.
func LoadClientConfig(path string) (ClientConfig, error) {
	var fc ClientFileConfig
	if err := commonsconfig.LoadJSONFile(path, &fc); err != nil {
		return ClientConfig{}, err
	}
	return fc.resolve()
}

func (fc ClientFileConfig) resolve() (ClientConfig, error) {
	if fc.ServerAddr == "" {
		return ClientConfig{}, fmt.Errorf("config: serverAddr is required")
	}
	if fc.Secret == "" {
		return ClientConfig{}, fmt.Errorf("config: secret is required")
	}

	reconnectDelay := fc.ReconnectDelay.Duration
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	logLevel := fc.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return ClientConfig{
		ServerAddr:        fc.ServerAddr,
		Secret:            fc.Secret,
		RequestedUser:     fc.RequestedUser,
		TunnelDeviceName:  fc.TunnelDeviceName,
		ReconnectDelay:    reconnectDelay,
		PaddingTo:         fc.PaddingTo,
		LogLevel:          logLevel,
		MetricsListenAddr: fc.MetricsListenAddr,
	}, nil
}
