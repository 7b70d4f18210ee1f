package identify

import (
	"fmt"
	"time"
)

const (
	defaultProtocolPrefix = "ipfs"

	identifyVersion = "1.0.0"
	pushVersion     = "1.0.0"
)

const (
	// DefaultTimeout bounds a single identify or push exchange.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the largest identify frame we accept.
	DefaultMaxMessageSize = 8 << 10

	// DefaultMaxObservedAddresses caps the observed addresses we retain.
	DefaultMaxObservedAddresses = 10
)

type config struct {
	protocolPrefix  string
	userAgent       string
	protocolVersion string

	timeout        time.Duration
	maxMessageSize int

	identifyLimits StreamLimits
	pushLimits     StreamLimits

	maxObservedAddresses int

	disableSignedPeerRecord bool
}

func defaultConfig() config {
	return config{
		protocolPrefix:       defaultProtocolPrefix,
		userAgent:            defaultUserAgent,
		protocolVersion:      DefaultProtocolVersion,
		timeout:              DefaultTimeout,
		maxMessageSize:       DefaultMaxMessageSize,
		identifyLimits:       StreamLimits{MaxInbound: 1, MaxOutbound: 1},
		pushLimits:           StreamLimits{MaxInbound: 1, MaxOutbound: 1},
		maxObservedAddresses: DefaultMaxObservedAddresses,
	}
}

func (c *config) validate() error {
	if c.protocolPrefix == "" {
		return fmt.Errorf("protocol prefix must not be empty")
	}
	if c.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.maxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	return nil
}

// Option configures the identify service.
type Option func(*config)

// ProtocolPrefix sets the first segment of both protocol strings.
// The default is "ipfs".
func ProtocolPrefix(prefix string) Option {
	return func(c *config) {
		c.protocolPrefix = prefix
	}
}

// UserAgent sets the agent version string advertised to remote peers.
func UserAgent(ua string) Option {
	return func(c *config) {
		c.userAgent = ua
	}
}

// ProtocolVersion sets the protocol version string advertised to remote
// peers.
func ProtocolVersion(pv string) Option {
	return func(c *config) {
		c.protocolVersion = pv
	}
}

// Timeout sets the per-exchange deadline.
func Timeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// MaxMessageSize sets the frame size cap for received identify messages.
func MaxMessageSize(n int) Option {
	return func(c *config) {
		c.maxMessageSize = n
	}
}

// IdentifyStreamLimits sets the substream caps announced for the identify
// protocol.
func IdentifyStreamLimits(limits StreamLimits) Option {
	return func(c *config) {
		c.identifyLimits = limits
	}
}

// PushStreamLimits sets the substream caps announced for the push protocol.
func PushStreamLimits(limits StreamLimits) Option {
	return func(c *config) {
		c.pushLimits = limits
	}
}

// MaxObservedAddresses caps how many observed addresses the service will
// hand to the address manager.
func MaxObservedAddresses(n int) Option {
	return func(c *config) {
		c.maxObservedAddresses = n
	}
}

// DisableSignedPeerRecord prevents the service from minting or sending
// signed peer records. Received records are still verified and consumed.
func DisableSignedPeerRecord() Option {
	return func(c *config) {
		c.disableSignedPeerRecord = true
	}
}
