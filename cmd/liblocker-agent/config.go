package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Http      HttpConfig      `mapstructure:"http"`
	Grpc      GrpcConfig      `mapstructure:"grpc"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Actions   ActionsConfig   `mapstructure:"actions"`
}

type HttpConfig struct {
	// Port 0 disables the local status API.
	Port uint   `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type GrpcConfig struct {
	ServerAddress string    `mapstructure:"server_address"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type AgentConfig struct {
	HardwareID        string        `mapstructure:"hardware_id"`
	Name              string        `mapstructure:"name"`
	StateFile         string        `mapstructure:"state_file"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WarningMinutes    int           `mapstructure:"warning_minutes"`
}

type DiscoveryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ActionsConfig holds the commands run for coordinator instructions. An
// empty command only logs.
type ActionsConfig struct {
	LockCommand     []string `mapstructure:"lock_command"`
	UnlockCommand   []string `mapstructure:"unlock_command"`
	ShutdownCommand []string `mapstructure:"shutdown_command"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/liblocker-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("agent.heartbeat_interval", "5s")
	viper.SetDefault("agent.warning_minutes", 5)
	viper.SetDefault("agent.state_file", "./data/agent-state.yaml")
	viper.SetDefault("discovery.timeout", "5s")

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
