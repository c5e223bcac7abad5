package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	Redis RedisConfig `mapstructure:"redis"`
	MCS   MCSConfig   `mapstructure:"mcs"`

	KurentoIP      string `mapstructure:"kurento_ip"`
	LocalIPAddress string `mapstructure:"local_ip_address"`

	ForceH264            bool   `mapstructure:"screenshare_force_h264"`
	PreferredH264Profile string `mapstructure:"screenshare_preferred_h264_profile"`
	KeyframeInterval     int    `mapstructure:"screenshare_keyframe_interval"`
	RecordScreenSharing  bool   `mapstructure:"record_screen_sharing"`

	VideoWidth  int `mapstructure:"video_width"`
	VideoHeight int `mapstructure:"video_height"`

	TranscoderReplyTimeout time.Duration `mapstructure:"transcoder_reply_timeout"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MCSConfig struct {
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3008)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("mcs.address", "ws://localhost:3010/mcs")
	v.SetDefault("mcs.request_timeout", "10s")
	v.SetDefault("kurento_ip", "127.0.0.1")
	v.SetDefault("local_ip_address", "127.0.0.1")
	v.SetDefault("screenshare_force_h264", true)
	v.SetDefault("screenshare_preferred_h264_profile", "42e01f")
	v.SetDefault("screenshare_keyframe_interval", 2)
	v.SetDefault("record_screen_sharing", true)
	v.SetDefault("video_width", 1920)
	v.SetDefault("video_height", 1080)
	v.SetDefault("transcoder_reply_timeout", "15s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
