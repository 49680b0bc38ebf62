package kafkaconsumer

import "time"

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// Layer filters events; others are acknowledged and ignored.
	Layer               string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupSize           int
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 1024
	}
	return c
}
