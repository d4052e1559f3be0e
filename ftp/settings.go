package ftp

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ArduPilot/MethodicConfigurator-sub006/transport"
)

// Settings holds the recognized engine options. The zero value is not
// usable; start from DefaultSettings or LoadSettings.
type Settings struct {
	// Debug is the verbosity level. The engine itself logs through
	// logrus; callers map this onto the logrus level (0 = quiet,
	// 1 = info, 2+ = per-packet debug).
	Debug int

	// PacketLossRX simulates inbound packet loss: each burst reply is
	// dropped with this percentage probability. Test-mode hook only;
	// must stay 0 in production.
	PacketLossRX float64

	// BurstReadSize is the negotiated burst payload size, clamped to
	// 1..239. The engine widens it to 239 mid-transfer if the remote
	// ignores the hint.
	BurstReadSize uint8

	// MaxBacklog caps outstanding gap-read requests while the burst
	// stream is still running.
	MaxBacklog uint32

	// RetryTime is how long a gap-read request may go unanswered before
	// it is re-scheduled.
	RetryTime time.Duration

	// SendInterval is the minimum spacing between gap-read sends,
	// enforced regardless of how often Tick is called.
	SendInterval time.Duration

	// MaxOpenRetries is how many times a refused OpenFileRO is retried
	// before the transfer fails.
	MaxOpenRetries int
}

// DefaultSettings returns the engine defaults.
func DefaultSettings() Settings {
	return Settings{
		BurstReadSize: 80,
		MaxBacklog:    16,
		RetryTime:     500 * time.Millisecond,
		SendInterval:  50 * time.Millisecond,
	}
}

// clamped returns a copy with out-of-range values pulled back to the
// protocol limits.
func (s Settings) clamped() Settings {
	if s.BurstReadSize == 0 {
		s.BurstReadSize = DefaultSettings().BurstReadSize
	}
	if s.BurstReadSize > transport.MaxPayload {
		s.BurstReadSize = transport.MaxPayload
	}
	if s.RetryTime <= 0 {
		s.RetryTime = DefaultSettings().RetryTime
	}
	if s.SendInterval <= 0 {
		s.SendInterval = DefaultSettings().SendInterval
	}
	if s.MaxBacklog == 0 {
		s.MaxBacklog = DefaultSettings().MaxBacklog
	}
	return s
}

// LoadSettings reads engine options from a config file (any format
// viper understands). Missing keys fall back to the defaults.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)

	def := DefaultSettings()
	v.SetDefault("ftp.debug", def.Debug)
	v.SetDefault("ftp.packet_loss_rx", def.PacketLossRX)
	v.SetDefault("ftp.burst_read_size", int(def.BurstReadSize))
	v.SetDefault("ftp.max_backlog", int(def.MaxBacklog))
	v.SetDefault("ftp.retry_time", def.RetryTime)
	v.SetDefault("ftp.send_interval", def.SendInterval)
	v.SetDefault("ftp.max_open_retries", def.MaxOpenRetries)

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	burst := v.GetInt("ftp.burst_read_size")
	if burst < 0 || burst > transport.MaxPayload {
		burst = transport.MaxPayload
	}

	s := Settings{
		Debug:          v.GetInt("ftp.debug"),
		PacketLossRX:   v.GetFloat64("ftp.packet_loss_rx"),
		BurstReadSize:  uint8(burst),
		MaxBacklog:     v.GetUint32("ftp.max_backlog"),
		RetryTime:      v.GetDuration("ftp.retry_time"),
		SendInterval:   v.GetDuration("ftp.send_interval"),
		MaxOpenRetries: v.GetInt("ftp.max_open_retries"),
	}

	return s.clamped(), nil
}
