// Package config assembles the control plane's configuration: the
// built-in defaults from Defaults, overridden by whichever command-line
// flags RegisterFlags binds. There is no stored config layer between
// the two.
package config

import "flag"

// Config carries every recognised option from spec §6.
type Config struct {
	BusDedupCapacity           int
	BusMaxQueuePerAgent        int
	BusMaxHighPriorityPerAgent int

	DecisionTimeoutTicks          *int64
	DecisionOrphanGracePeriodTicks int64

	CheckpointsMaxPerAgent int

	TickMode       string
	TickIntervalMs int

	TrustInitialScore int

	AgentsIdleTimeoutTicks int64

	WSHeartbeatMs int

	DBPath string
}

// Defaults returns a Config populated with the spec's literal defaults.
func Defaults() Config {
	timeout := int64(300)
	return Config{
		BusDedupCapacity:           10_000,
		BusMaxQueuePerAgent:        500,
		BusMaxHighPriorityPerAgent: 1_000,

		DecisionTimeoutTicks:           &timeout,
		DecisionOrphanGracePeriodTicks: 30,

		CheckpointsMaxPerAgent: 3,

		TickMode:       "manual",
		TickIntervalMs: 1_000,

		TrustInitialScore: 50,

		AgentsIdleTimeoutTicks: 500,

		WSHeartbeatMs: 30_000,

		DBPath: "ensemble.db",
	}
}

// RegisterFlags binds cfg's fields to a FlagSet, matching
// cmd/factory/main.go's flag.String/flag.Int/flag.Bool set. Call
// fs.Parse after this, then use cfg directly — flags win over
// whatever Defaults() populated.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.BusDedupCapacity, "bus-dedup-capacity", cfg.BusDedupCapacity, "event bus dedup FIFO capacity")
	fs.IntVar(&cfg.BusMaxQueuePerAgent, "bus-max-queue-per-agent", cfg.BusMaxQueuePerAgent, "per-agent backpressure queue size")
	fs.IntVar(&cfg.CheckpointsMaxPerAgent, "checkpoints-max-per-agent", cfg.CheckpointsMaxPerAgent, "checkpoints retained per agent")
	fs.StringVar(&cfg.TickMode, "tick-mode", cfg.TickMode, "tick service mode: manual|interval")
	fs.IntVar(&cfg.TickIntervalMs, "tick-interval-ms", cfg.TickIntervalMs, "tick interval in milliseconds (interval mode)")
	fs.IntVar(&cfg.TrustInitialScore, "trust-initial-score", cfg.TrustInitialScore, "initial trust score for new agents")
	fs.IntVar(&cfg.WSHeartbeatMs, "ws-heartbeat-ms", cfg.WSHeartbeatMs, "websocket heartbeat interval in milliseconds")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
}
