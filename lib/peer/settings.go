package peer

// Settings holds the timing and sizing knobs for peer maintenance. All
// durations are milliseconds on the caller-supplied clock.
type Settings struct {
	// HelloInterval is the longest we go without a HELLO to a peer.
	// Default: 120000 (2 minutes)
	HelloInterval int64

	// PathAliveTimeout is how long a path stays alive without inbound traffic.
	// Default: 45000
	PathAliveTimeout int64

	// KeepalivePeriod is the idle time after which a path gets a keepalive.
	// Default: 20000
	KeepalivePeriod int64

	// EphemeralKeyTTL is the rotation window for ephemeral keys; a new one is
	// generated at most once per window.
	// Default: 1800000 (30 minutes)
	EphemeralKeyTTL int64

	// KeyOdometerLimit forces a new handshake after this many messages under
	// one session key.
	// Default: 1 << 30
	KeyOdometerLimit uint64

	// HandshakeRetryInterval spaces early handshakes triggered by key age,
	// odometer or a key fallback.
	// Default: 5000
	HandshakeRetryInterval int64

	// ContactRetryInterval rate-limits Contact and trial sends per endpoint.
	// Default: 1000
	ContactRetryInterval int64

	// ProbeTimeout is how long a HELLO probe waits for its OK.
	// Default: 10000
	ProbeTimeout int64

	// WhoisInterval, EchoInterval and ProbeInterval gate the respective
	// reply or request per peer.
	// Default: 1000, 1000, 250
	WhoisInterval int64
	EchoInterval  int64
	ProbeInterval int64

	// MaxPaths bounds the live path table.
	// Default: 16
	MaxPaths int

	// MaxTryQueue bounds pending NAT traversal endpoints.
	// Default: 16
	MaxTryQueue int

	// MaxTriesPerPulse bounds try-queue sends in one Pulse.
	// Default: 8
	MaxTriesPerPulse int

	// PrivilegedPortBatch is how many low ports are tried per pulse while
	// scanning for a NAT that maps to privileged ports.
	// Default: 16
	PrivilegedPortBatch int

	// SequentialPortSpan is how many ports above a reported port are tried
	// for symmetric NATs that allocate sequentially.
	// Default: 4
	SequentialPortSpan int
}

// DefaultSettings returns the stock values.
func DefaultSettings() Settings {
	return Settings{
		HelloInterval:          120000,
		PathAliveTimeout:       45000,
		KeepalivePeriod:        20000,
		EphemeralKeyTTL:        1800000,
		KeyOdometerLimit:       1 << 30,
		HandshakeRetryInterval: 5000,
		ContactRetryInterval:   1000,
		ProbeTimeout:           10000,
		WhoisInterval:          1000,
		EchoInterval:           1000,
		ProbeInterval:          250,
		MaxPaths:               16,
		MaxTryQueue:            16,
		MaxTriesPerPulse:       8,
		PrivilegedPortBatch:    16,
		SequentialPortSpan:     4,
	}
}
