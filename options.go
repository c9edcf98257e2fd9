package inkhub

import (
	"log/slog"
	"time"

	"github.com/inkhub/inkhub/utils"
)

// Options is the configuration surface of the hub and its HTTP server.
// Zero values mean "use the default".
type Options struct {
	// Addr is the HTTP listen address.
	Addr string

	// HistoryLimit caps the number of log entries sent to a new joiner.
	HistoryLimit int

	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration

	// LivenessTimeout evicts participants whose last liveness stamp is
	// older than this; it defaults to twice the sweep interval.
	LivenessTimeout time.Duration

	// SendBufferLen is the per-connection outbound frame buffer. A peer
	// that falls further behind than this starts losing broadcasts
	// until its next history sync.
	SendBufferLen int

	// StaticDir, when set, is served at / for the canvas UI.
	StaticDir string

	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = 100
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.LivenessTimeout == 0 {
		o.LivenessTimeout = 2 * o.SweepInterval
	}
	if o.SendBufferLen == 0 {
		o.SendBufferLen = 256
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
