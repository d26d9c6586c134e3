package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models termgate.yml.
type Config struct {
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Processor struct {
		BaseURL    string   `yaml:"base_url"`
		BrandName  string   `yaml:"brand_name"`
		TradeName  string   `yaml:"trade_name"`
		AppVersion string   `yaml:"app_version"`
		TokenKey   string   `yaml:"token_key"`
		Timeout    Duration `yaml:"timeout"`
	} `yaml:"processor"`
	Jobs struct {
		Poll struct {
			Interval Duration `yaml:"interval"`
			Timeout  Duration `yaml:"timeout"`
			Max      int      `yaml:"max"`
		} `yaml:"poll"`
		Republish struct {
			Interval Duration `yaml:"interval"`
			Timeout  Duration `yaml:"timeout"`
			Floor    Duration `yaml:"floor"`
			Max      int      `yaml:"max"`
		} `yaml:"republish"`
		KeepAlive struct {
			Interval Duration `yaml:"interval"`
		} `yaml:"keepalive"`
	} `yaml:"jobs"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	c := &Config{}
	c.HTTP.Addr = ":8080"
	c.HTTP.BasePath = "/v1"
	c.Database.Path = "termgate.db"
	c.Redis.Addr = "localhost:6379"
	c.Kafka.Topic = "transaction-events"
	c.Processor.BaseURL = "https://localhost:8443"
	c.Processor.BrandName = "Aisino"
	c.Processor.TradeName = "Vanstone"
	c.Processor.AppVersion = "1.0.0"
	c.Processor.Timeout = Duration(30 * time.Second)
	c.Jobs.Poll.Interval = Duration(5 * time.Second)
	c.Jobs.Poll.Timeout = Duration(5 * time.Minute)
	c.Jobs.Poll.Max = 1000
	c.Jobs.Republish.Interval = Duration(30 * time.Second)
	c.Jobs.Republish.Timeout = Duration(10 * time.Minute)
	c.Jobs.Republish.Floor = Duration(30 * time.Second)
	c.Jobs.Republish.Max = 500
	c.Jobs.KeepAlive.Interval = Duration(30 * time.Second)
	return c
}

// Load reads config from path, starting from defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config bytes over the defaults and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config.redis.addr is required")
	}
	if c.Processor.BaseURL == "" {
		return fmt.Errorf("config.processor.base_url is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config.kafka.topic is required when brokers are set")
	}
	if c.Jobs.Poll.Interval.Std() <= 0 || c.Jobs.Poll.Timeout.Std() <= 0 {
		return fmt.Errorf("config.jobs.poll interval and timeout must be positive")
	}
	if c.Jobs.Republish.Interval.Std() <= 0 || c.Jobs.Republish.Timeout.Std() <= 0 {
		return fmt.Errorf("config.jobs.republish interval and timeout must be positive")
	}
	if c.Jobs.Poll.Max <= 0 || c.Jobs.Republish.Max <= 0 {
		return fmt.Errorf("config.jobs max concurrency must be positive")
	}
	return nil
}
