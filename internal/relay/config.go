package relay

import "time"

// MaxUDPMessageBytes is the largest SIP message that fits in one UDP datagram.
const MaxUDPMessageBytes = 65535

type Config struct {
	// MaxMessageBytes bounds both WebSocket messages from the client and
	// datagrams from the upstream.
	MaxMessageBytes int
	// SendQueueBytes bounds the inbound datagrams buffered for the WebSocket
	// writer, including a two byte frame per datagram. Datagrams that do not
	// fit are dropped. Values above 4MiB are capped.
	SendQueueBytes     int
	UDPReadBufferBytes int

	// MaxMessagesPerSecond limits client->upstream messages per session. Zero
	// disables the limit.
	MaxMessagesPerSecond float64

	// IdleTimeout closes sessions with no traffic in either direction. Zero
	// disables it.
	IdleTimeout time.Duration

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// AdvertiseHost replaces the local IP written into Via/Contact.
	AdvertiseHost string
}

func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:      64 * 1024,
		SendQueueBytes:       1 << 20, // 1MiB
		MaxMessagesPerSecond: 50,
		IdleTimeout:          15 * time.Minute,
		PingInterval:         20 * time.Second,
		PongTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxMessageBytes > MaxUDPMessageBytes {
		c.MaxMessageBytes = MaxUDPMessageBytes
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	if c.SendQueueBytes < c.MaxMessageBytes+queueFrameOverhead {
		c.SendQueueBytes = c.MaxMessageBytes + queueFrameOverhead
	}
	if c.MaxMessagesPerSecond < 0 {
		c.MaxMessagesPerSecond = 0
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout / 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}
