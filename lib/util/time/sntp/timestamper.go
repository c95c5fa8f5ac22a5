// Package sntp keeps a local clock offset in line with a pool of NTP servers.
package sntp

import (
	"slices"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrNoServers       = oops.New("no NTP servers configured")
	ErrInvalidResponse = oops.New("NTP response failed validation")
	ErrDisagreement    = oops.New("NTP servers disagree")
)

// NTPClient performs a single query. DefaultNTPClient talks to the network.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type DefaultNTPClient struct{}

func (DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// OffsetListener receives each new correction. monotonic.Clock satisfies it.
type OffsetListener interface {
	SetOffset(offset time.Duration)
}

const (
	DefaultQueryInterval = 11 * time.Minute
	minQueryInterval     = time.Minute
	failRetryInterval    = 30 * time.Second
	longFailInterval     = 30 * time.Minute
	maxConsecutiveFails  = 10
	defaultConcurring    = 3
	queryTimeout         = 5 * time.Second
	maxVariance          = 10 * time.Second
)

// DefaultServers is used when none are configured.
var DefaultServers = []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"}

// Timestamper periodically queries several servers and publishes the median
// offset once they agree.
type Timestamper struct {
	client     NTPClient
	servers    []string
	concurring int
	interval   time.Duration

	mu        sync.Mutex
	listeners []OffsetListener
	offset    time.Duration
	synced    bool
	fails     int
	running   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a Timestamper over servers. An empty list means DefaultServers;
// interval is clamped to at least one minute.
func New(client NTPClient, servers []string, interval time.Duration) *Timestamper {
	if client == nil {
		client = DefaultNTPClient{}
	}
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if interval < minQueryInterval {
		interval = minQueryInterval
	}
	concurring := defaultConcurring
	if len(servers) < concurring {
		concurring = len(servers)
	}
	return &Timestamper{
		client:     client,
		servers:    slices.Clone(servers),
		concurring: concurring,
		interval:   interval,
		stop:       make(chan struct{}),
	}
}

func (t *Timestamper) AddListener(l OffsetListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Offset returns the last published correction and whether the first
// sample of that round was within half a second.
func (t *Timestamper) Offset() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset, t.synced
}

// Start launches the background loop. It is a no-op if already started.
func (t *Timestamper) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.wg.Add(1)
	go t.run()
}

// Stop ends the loop and waits for it.
func (t *Timestamper) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *Timestamper) run() {
	defer t.wg.Done()
	for {
		err := t.Sync()
		select {
		case <-time.After(t.nextDelay(err)):
		case <-t.stop:
			return
		}
	}
}

func (t *Timestamper) nextDelay(err error) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.fails++
		if t.fails >= maxConsecutiveFails {
			return longFailInterval
		}
		return failRetryInterval
	}
	t.fails = 0
	d := t.interval + time.Duration(rand.Int63n(int64(t.interval/2)))
	if t.synced {
		d *= 3
	}
	return d
}

// Sync runs one round: concurring queries that must lie within maxVariance
// of the first, then publishes their median to every listener.
func (t *Timestamper) Sync() error {
	if len(t.servers) == 0 {
		return ErrNoServers
	}
	samples := make([]time.Duration, 0, t.concurring)
	synced := false
	for len(samples) < t.concurring {
		offset, err := t.queryWithRetry()
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			if absDuration(offset) >= maxVariance {
				return oops.Wrapf(ErrDisagreement, "first sample %v too far from local clock", offset)
			}
			synced = absDuration(offset) < 500*time.Millisecond
		} else if absDuration(offset-samples[0]) > maxVariance {
			return oops.Wrapf(ErrDisagreement, "sample %v vs %v", offset, samples[0])
		}
		samples = append(samples, offset)
	}

	offset := median(samples)
	t.mu.Lock()
	t.offset = offset
	t.synced = synced
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, l := range listeners {
		l.SetOffset(offset)
	}
	log.WithFields(logger.Fields{
		"at":      "sntp.Sync",
		"offset":  offset.String(),
		"samples": len(samples),
	}).Debug("clock offset updated")
	return nil
}

// queryWithRetry tries up to one random server per configured server.
func (t *Timestamper) queryWithRetry() (time.Duration, error) {
	var last error
	for range t.servers {
		server := t.servers[rand.Intn(len(t.servers))]
		resp, err := t.client.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
		if err != nil {
			log.WithField("server", server).WithError(err).Debug("NTP query failed")
			last = err
			continue
		}
		if err := validateResponse(resp); err != nil {
			log.WithField("server", server).WithError(err).Debug("NTP response rejected")
			last = err
			continue
		}
		return resp.ClockOffset, nil
	}
	return 0, last
}

func median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
