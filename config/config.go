package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

var once sync.Once

func InitConfig() {
	once.Do(func() {
		viper.AutomaticEnv()

		viper.BindEnv("metrics_port", "METRICS_PORT")
		viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
		viper.BindEnv("db_path", "DB_PATH")
		viper.BindEnv("debug", "DEBUG")
		viper.BindEnv("lang", "LANG")
		viper.BindEnv("tick_interval", "TICK_INTERVAL")
		viper.BindEnv("fetch_workers", "FETCH_WORKERS")
		viper.BindEnv("fetch_timeout", "FETCH_TIMEOUT")
		viper.BindEnv("stream_freshness", "STREAM_FRESHNESS")
		viper.BindEnv("delivery_attempts", "DELIVERY_ATTEMPTS")
		viper.BindEnv("delivery_backoff", "DELIVERY_BACKOFF")

		viper.SetDefault("metrics_port", 9090)
		viper.SetDefault("db_path", "/app/data/bot.db")
		viper.SetDefault("debug", false)
		viper.SetDefault("lang", "en")
		viper.SetDefault("tick_interval", 5*time.Second)
		viper.SetDefault("fetch_workers", 8)
		viper.SetDefault("fetch_timeout", 4*time.Second)
		viper.SetDefault("stream_freshness", 15*time.Second)
		viper.SetDefault("delivery_attempts", 5)
		viper.SetDefault("delivery_backoff", 500*time.Millisecond)
	})
}

func GetString(key string) string {
	InitConfig()
	return viper.GetString(key)
}

func GetInt(key string) int {
	InitConfig()
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	InitConfig()
	return viper.GetBool(key)
}

func GetDuration(key string) time.Duration {
	InitConfig()
	return viper.GetDuration(key)
}
