package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CAFile         string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

// Bridge configures one bridge-agent process.
type Bridge struct {
	DeviceID          string
	BridgeName        string
	ControllerIDs     []string
	TopicPrefix       string
	MQTT              MQTTConfig
	DeviceGatewayURL  string
	DeviceTimeout     time.Duration
	StatusInterval    time.Duration
	ReconnectInterval time.Duration
	LoopInterval      time.Duration
	NetworkInterface  string
	Port              string
	LogLevel          string
	LogFormat         string
}

// Relay configures the relay-cloud process.
type Relay struct {
	Port                string
	MQTT                MQTTConfig
	TopicPrefix         string
	DBDriver            string
	SQLitePath          string
	Postgres            DBConfig
	RedisAddr           string
	RedisPassword       string
	JWTPublicKeyPath    string
	JWTSecret           string
	DefaultControllerID string
	StaleAfter          time.Duration
	ScheduleReload      time.Duration
	RateLimitRPS        int
	RateLimitBurst      int
	LogLevel            string
	LogFormat           string
}

func newViper(fileEnv string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("mqtt_broker_url", "ssl://broker:8883")
	v.SetDefault("mqtt_keepalive", "60s")
	v.SetDefault("mqtt_connect_timeout", "10s")
	v.SetDefault("mqtt_qos", 1)
	v.SetDefault("topic_prefix", "relay")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if path := strings.TrimSpace(v.GetString(fileEnv)); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

func mqttConfig(v *viper.Viper) MQTTConfig {
	return MQTTConfig{
		BrokerURL:      strings.TrimSpace(v.GetString("mqtt_broker_url")),
		ClientID:       strings.TrimSpace(v.GetString("mqtt_client_id")),
		Username:       v.GetString("mqtt_username"),
		Password:       v.GetString("mqtt_password"),
		CAFile:         strings.TrimSpace(v.GetString("mqtt_ca_file")),
		KeepAlive:      v.GetDuration("mqtt_keepalive"),
		ConnectTimeout: v.GetDuration("mqtt_connect_timeout"),
		QoS:            byte(min(max(v.GetInt("mqtt_qos"), 0), 2)),
	}
}

// LoadBridge reads the bridge agent configuration from the environment and,
// when BRIDGE_CONFIG names a file, from that YAML file.
func LoadBridge() (*Bridge, error) {
	v, err := newViper("bridge_config")
	if err != nil {
		return nil, err
	}
	v.SetDefault("bridge_name", "go-mqtt")
	v.SetDefault("controller_ids", "primary")
	v.SetDefault("device_gateway_url", "http://192.168.1.50/json")
	v.SetDefault("device_http_timeout", "10s")
	v.SetDefault("status_interval", "30s")
	v.SetDefault("reconnect_interval", "5s")
	v.SetDefault("loop_interval", "50ms")
	v.SetDefault("bridge_port", "8095")

	cfg := &Bridge{
		DeviceID:          strings.TrimSpace(v.GetString("device_id")),
		BridgeName:        strings.TrimSpace(v.GetString("bridge_name")),
		ControllerIDs:     splitList(v.GetString("controller_ids")),
		TopicPrefix:       strings.TrimSpace(v.GetString("topic_prefix")),
		MQTT:              mqttConfig(v),
		DeviceGatewayURL:  strings.TrimSpace(v.GetString("device_gateway_url")),
		DeviceTimeout:     v.GetDuration("device_http_timeout"),
		StatusInterval:    v.GetDuration("status_interval"),
		ReconnectInterval: v.GetDuration("reconnect_interval"),
		LoopInterval:      v.GetDuration("loop_interval"),
		NetworkInterface:  strings.TrimSpace(v.GetString("network_interface")),
		Port:              strings.TrimSpace(v.GetString("bridge_port")),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("missing required config DEVICE_ID")
	}
	if strings.ContainsAny(cfg.DeviceID, "/+# ") {
		return nil, fmt.Errorf("invalid DEVICE_ID %q: must not contain '/', '+', '#' or spaces", cfg.DeviceID)
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "lumina-bridge-" + cfg.DeviceID
	}
	if len(cfg.ControllerIDs) == 0 {
		cfg.ControllerIDs = []string{"primary"}
	}

	slog.Info("bridge config loaded",
		"device_id", cfg.DeviceID,
		"mqtt", cfg.MQTT.BrokerURL,
		"gateway", cfg.DeviceGatewayURL,
		"status_interval", cfg.StatusInterval.String(),
	)
	return cfg, nil
}

// LoadRelay reads the relay-cloud configuration from the environment and,
// when RELAY_CONFIG names a file, from that YAML file.
func LoadRelay() (*Relay, error) {
	v, err := newViper("relay_config")
	if err != nil {
		return nil, err
	}
	v.SetDefault("relay_port", "8096")
	v.SetDefault("mqtt_client_id", "relay-cloud")
	v.SetDefault("db_driver", "postgres")
	v.SetDefault("sqlite_path", "relay.db")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("default_controller_id", "primary")
	v.SetDefault("stale_after", "2m")
	v.SetDefault("schedule_reload", "30s")
	v.SetDefault("rate_limit_rps", 5)
	v.SetDefault("rate_limit_burst", 10)

	cfg := &Relay{
		Port:        strings.TrimSpace(v.GetString("relay_port")),
		MQTT:        mqttConfig(v),
		TopicPrefix: strings.TrimSpace(v.GetString("topic_prefix")),
		DBDriver:    strings.ToLower(strings.TrimSpace(v.GetString("db_driver"))),
		SQLitePath:  strings.TrimSpace(v.GetString("sqlite_path")),
		Postgres: DBConfig{
			User:     strings.TrimSpace(v.GetString("postgres_user")),
			Password: v.GetString("postgres_password"),
			DBName:   strings.TrimSpace(v.GetString("postgres_db")),
			Host:     strings.TrimSpace(v.GetString("postgres_host")),
			Port:     strings.TrimSpace(v.GetString("postgres_port")),
			SSLMode:  strings.TrimSpace(v.GetString("postgres_sslmode")),
		},
		RedisAddr:           strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:       v.GetString("redis_password"),
		JWTPublicKeyPath:    strings.TrimSpace(v.GetString("jwt_public_key_path")),
		JWTSecret:           v.GetString("jwt_secret"),
		DefaultControllerID: strings.TrimSpace(v.GetString("default_controller_id")),
		StaleAfter:          v.GetDuration("stale_after"),
		ScheduleReload:      v.GetDuration("schedule_reload"),
		RateLimitRPS:        v.GetInt("rate_limit_rps"),
		RateLimitBurst:      v.GetInt("rate_limit_burst"),
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("relay config loaded", "port", cfg.Port, "mqtt", cfg.MQTT.BrokerURL, "db", cfg.DBDriver, "redis", cfg.RedisAddr != "")
	return cfg, nil
}

func (c *Relay) validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		for _, kv := range [][2]string{
			{"POSTGRES_USER", c.Postgres.User},
			{"POSTGRES_DB", c.Postgres.DBName},
			{"POSTGRES_HOST", c.Postgres.Host},
			{"POSTGRES_PORT", c.Postgres.Port},
		} {
			if kv[1] == "" {
				return fmt.Errorf("missing required config %s", kv[0])
			}
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.JWTPublicKeyPath == "" && c.JWTSecret == "" {
		return fmt.Errorf("missing required config JWT_PUBLIC_KEY_PATH or JWT_SECRET")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
