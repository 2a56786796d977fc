package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	CSMS       CSMSConfig       `mapstructure:"csms"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	OCPP       OCPPConfig       `mapstructure:"ocpp"`
}

// AppConfig 应用程序基本信息
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Profile string `mapstructure:"profile"`
}

// CSMSConfig 管理系统连接配置
type CSMSConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

// IdentityConfig 充电桩标识配置
type IdentityConfig struct {
	ChargePointID     string `mapstructure:"charge_point_id"`
	Vendor            string `mapstructure:"vendor"`
	Model             string `mapstructure:"model"`
	SerialNumber      string `mapstructure:"serial_number"`
	FirmwareVersion   string `mapstructure:"firmware_version"`
	Connectors        int    `mapstructure:"connectors"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	Enabled     bool   `mapstructure:"enabled"`
}

// OCPPConfig 协议配置
type OCPPConfig struct {
	ProtocolVersion string        `mapstructure:"protocol_version"`
	LoopInterval    time.Duration `mapstructure:"loop_interval"`
	NominalVoltage  float64       `mapstructure:"nominal_voltage"`
}

// Load 加载配置：默认值、application.yaml、环境配置、环境变量
func Load() (*Config, error) {
	setDefaults()

	profile := getProfile()

	if err := loadConfigFile("application"); err != nil {
		fmt.Printf("Warning: Could not load default config file: %v\n", err)
	}
	if profile != "" {
		configName := fmt.Sprintf("application-%s", profile)
		if err := loadConfigFile(configName); err != nil {
			fmt.Printf("Warning: Could not load profile config file %s: %v\n", configName, err)
		}
	}

	setupEnvironmentVariables()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.App.Profile = profile
	return &cfg, nil
}

// getProfile 获取运行环境配置
func getProfile() string {
	if profile := os.Getenv("APP_PROFILE"); profile != "" {
		return profile
	}
	if profile := viper.GetString("app.profile"); profile != "" {
		return profile
	}
	return "local"
}

// loadConfigFile 加载指定的配置文件
func loadConfigFile(configName string) error {
	viper.SetConfigName(configName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	return viper.MergeInConfig()
}

// setupEnvironmentVariables 设置环境变量映射
func setupEnvironmentVariables() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("csms.url", "CSMS_URL")
	viper.BindEnv("identity.charge_point_id", "CHARGE_POINT_ID")
	viper.BindEnv("storage.root", "STORAGE_ROOT")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("app.profile", "APP_PROFILE")
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("app.name", "charge-point-client")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.profile", "local")

	viper.SetDefault("csms.url", "ws://localhost:8080/ocpp/CP001")
	viper.SetDefault("csms.handshake_timeout", "10s")
	viper.SetDefault("csms.write_timeout", "10s")
	viper.SetDefault("csms.ping_interval", "30s")
	viper.SetDefault("csms.pong_timeout", "10s")
	viper.SetDefault("csms.max_message_size", 1048576)
	viper.SetDefault("csms.reconnect_min", "1s")
	viper.SetDefault("csms.reconnect_max", "60s")

	viper.SetDefault("identity.charge_point_id", "CP001")
	viper.SetDefault("identity.vendor", "ChargingPlatform")
	viper.SetDefault("identity.model", "CP-Client")
	viper.SetDefault("identity.serial_number", "")
	viper.SetDefault("identity.firmware_version", "1.0.0")
	viper.SetDefault("identity.connectors", 1)

	viper.SetDefault("storage.root", "./data")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.async", false)

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.metrics_addr", ":9090")

	viper.SetDefault("ocpp.protocol_version", "ocpp1.6")
	viper.SetDefault("ocpp.loop_interval", "100ms")
	viper.SetDefault("ocpp.nominal_voltage", 230.0)
}
