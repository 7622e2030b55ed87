package messaging

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/observer/chatlink/internal/eventbus"
	"github.com/observer/chatlink/internal/outbox"
)

// Options configure a Client. Zero values are replaced by the defaults from
// DefaultOptions.
type Options struct {
	// Broker
	URL string
	QoS byte

	// Transport
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration // transport-level connect timeout
	NoTransportReconnect bool          // disable the adapter's own reconnect loop
	ReconnectDelay       time.Duration
	ReconnectBackoff     float64
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 means unlimited

	// Connect() gives up after this long without a connected event
	ConnectWait time.Duration

	// Lifecycle timings
	SettleDelay         time.Duration // wait after connect before restoring subscriptions
	ResetDelay          time.Duration // first rebuild delay after a forced reset
	ResetInterval       time.Duration // sustained forced-reset rate
	ResetBurst          int
	StaleGrace          time.Duration // added to ConnectTimeout to judge a transport stale
	KeepaliveCheckDelay time.Duration

	// Watchdog
	WatchdogInterval        time.Duration
	DisconnectingLimit      time.Duration // watchdog: stuck disconnecting
	EnsureDisconnectingWait time.Duration // ensureConnected: stuck disconnecting
	InertTimeout            time.Duration
	StuckReconnectTimeout   time.Duration

	// Subscriptions
	SubscribeCooldown               time.Duration
	SubscribeDeferDelay             time.Duration
	StuckDeferralLimit              time.Duration
	SubscribeRetries                int
	SubscribeRetryDelay             time.Duration
	SubscribeRetryDelayDisconnected time.Duration

	// Outbound queue and inbound dedupe
	OutboxCapacity int
	DedupCacheSize int

	IDPrefix string
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Bus      *eventbus.Bus
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		QoS:                  1,
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectDelay:       time.Second,
		ReconnectBackoff:     2,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 0,

		ConnectWait: 15 * time.Second,

		SettleDelay:         2 * time.Second,
		ResetDelay:          200 * time.Millisecond,
		ResetInterval:       time.Second,
		ResetBurst:          3,
		StaleGrace:          2 * time.Second,
		KeepaliveCheckDelay: 500 * time.Millisecond,

		WatchdogInterval:        4 * time.Second,
		DisconnectingLimit:      6 * time.Second,
		EnsureDisconnectingWait: 4 * time.Second,
		InertTimeout:            10 * time.Second,
		StuckReconnectTimeout:   12 * time.Second,

		SubscribeCooldown:               600 * time.Millisecond,
		SubscribeDeferDelay:             700 * time.Millisecond,
		StuckDeferralLimit:              5 * time.Second,
		SubscribeRetries:                5,
		SubscribeRetryDelay:             1500 * time.Millisecond,
		SubscribeRetryDelayDisconnected: 500 * time.Millisecond,

		OutboxCapacity: outbox.DefaultCapacity,
		DedupCacheSize: 512,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&o.KeepAlive, d.KeepAlive},
		{&o.ConnectTimeout, d.ConnectTimeout},
		{&o.ReconnectDelay, d.ReconnectDelay},
		{&o.MaxReconnectDelay, d.MaxReconnectDelay},
		{&o.ConnectWait, d.ConnectWait},
		{&o.SettleDelay, d.SettleDelay},
		{&o.ResetDelay, d.ResetDelay},
		{&o.ResetInterval, d.ResetInterval},
		{&o.StaleGrace, d.StaleGrace},
		{&o.KeepaliveCheckDelay, d.KeepaliveCheckDelay},
		{&o.WatchdogInterval, d.WatchdogInterval},
		{&o.DisconnectingLimit, d.DisconnectingLimit},
		{&o.EnsureDisconnectingWait, d.EnsureDisconnectingWait},
		{&o.InertTimeout, d.InertTimeout},
		{&o.StuckReconnectTimeout, d.StuckReconnectTimeout},
		{&o.SubscribeCooldown, d.SubscribeCooldown},
		{&o.SubscribeDeferDelay, d.SubscribeDeferDelay},
		{&o.StuckDeferralLimit, d.StuckDeferralLimit},
		{&o.SubscribeRetryDelay, d.SubscribeRetryDelay},
		{&o.SubscribeRetryDelayDisconnected, d.SubscribeRetryDelayDisconnected},
	}
	for _, f := range durations {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}

	if o.QoS > 2 {
		o.QoS = d.QoS
	}
	if o.ReconnectBackoff < 1 {
		o.ReconnectBackoff = d.ReconnectBackoff
	}
	if o.ResetBurst <= 0 {
		o.ResetBurst = d.ResetBurst
	}
	if o.SubscribeRetries <= 0 {
		o.SubscribeRetries = d.SubscribeRetries
	}
	if o.OutboxCapacity <= 0 {
		o.OutboxCapacity = d.OutboxCapacity
	}
	if o.DedupCacheSize <= 0 {
		o.DedupCacheSize = d.DedupCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}
