package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Room   RoomConfig   `mapstructure:"room"`
	Signal SignalConfig `mapstructure:"signal"`
	RTC    RTCConfig    `mapstructure:"rtc"`
}

type RoomConfig struct {
	// MaxMembers of zero means unlimited.
	MaxMembers int `mapstructure:"max_members"`
}

type SignalConfig struct {
	SendBuffer           int           `mapstructure:"send_buffer"`
	JoinRateLimit        int           `mapstructure:"join_rate_limit"`
	JoinRateInterval     time.Duration `mapstructure:"join_rate_interval"`
	MaxPendingCandidates int           `mapstructure:"max_pending_candidates"`
}

type RTCConfig struct {
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	Codecs        []CodecConfig `mapstructure:"codecs"`
}

type CodecConfig struct {
	MimeType    string `mapstructure:"mime_type"`
	ClockRate   uint32 `mapstructure:"clock_rate"`
	Channels    uint16 `mapstructure:"channels"`
	PayloadType uint8  `mapstructure:"payload_type"`
	Fmtp        string `mapstructure:"fmtp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("room.max_members", 0)

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.join_rate_limit", 5)
	v.SetDefault("signal.join_rate_interval", "10s")
	v.SetDefault("signal.max_pending_candidates", 32)

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.gather_timeout", "2s")
	v.SetDefault("rtc.codecs", []map[string]any{
		{"mime_type": webrtc.MimeTypeOpus, "clock_rate": 48000, "channels": 2, "payload_type": 111, "fmtp": "minptime=10;useinbandfec=1"},
		{"mime_type": webrtc.MimeTypeVP8, "clock_rate": 90000, "payload_type": 96},
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads the given YAML file. A missing file leaves the defaults;
// STUDYROOM_* environment variables override both.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("STUDYROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("ping_period must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if len(c.RTC.Codecs) == 0 {
		return errors.New("rtc.codecs must not be empty")
	}
	for _, cc := range c.RTC.Codecs {
		kind, _, _ := strings.Cut(strings.ToLower(cc.MimeType), "/")
		if kind != "audio" && kind != "video" {
			return fmt.Errorf("codec %q: mime type must be audio/* or video/*", cc.MimeType)
		}
		if cc.ClockRate == 0 {
			return fmt.Errorf("codec %q: clock_rate required", cc.MimeType)
		}
	}
	return nil
}

// Level is the configured zerolog level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) Codecs() []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(c.RTC.Codecs))
	for _, cc := range c.RTC.Codecs {
		out = append(out, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    cc.MimeType,
				ClockRate:   cc.ClockRate,
				Channels:    cc.Channels,
				SDPFmtpLine: cc.Fmtp,
			},
			PayloadType: webrtc.PayloadType(cc.PayloadType),
		})
	}
	return out
}

func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.RTC.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.RTC.ICEServers}}
}
