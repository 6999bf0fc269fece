package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/liblocker/liblocker/internal/api/http"
	"github.com/liblocker/liblocker/internal/auth"
	"github.com/liblocker/liblocker/internal/db"
	grpcserver "github.com/liblocker/liblocker/internal/grpc/server"
	"github.com/liblocker/liblocker/internal/sessions"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig                 `mapstructure:"log"`
	Http      http.Config               `mapstructure:"http"`
	Grpc      GrpcConfig                `mapstructure:"grpc"`
	DB        db.Config                 `mapstructure:"db"`
	Auth      auth.Config               `mapstructure:"auth"`
	Policy    sessions.Policy           `mapstructure:"policy"`
	Registry  grpcserver.RegistryConfig `mapstructure:"registry"`
	Discovery DiscoveryConfig           `mapstructure:"discovery"`
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	CAFile       string `mapstructure:"ca_file"`
	CAKeyFile    string `mapstructure:"ca_key_file"`
	ClientAuth   string `mapstructure:"client_auth"`
	DomainNames  string `mapstructure:"domain_names"`
	IPAddresses  string `mapstructure:"ip_addresses"`
}

type DiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	Listen  string `mapstructure:"listen"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/liblocker-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaults := sessions.DefaultPolicy()
	viper.SetDefault("policy.default_hourly_rate", defaults.DefaultHourlyRate)
	viper.SetDefault("policy.free_mode", defaults.FreeMode)
	viper.SetDefault("policy.rounding_minutes", defaults.RoundingMinutes)
	viper.SetDefault("policy.warning_minutes", defaults.WarningMinutes)
	viper.SetDefault("policy.alert_volume", defaults.AlertVolume)

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
