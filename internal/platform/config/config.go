package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cfg 是一个全局变量，用于存储所有应用程序的配置
var Cfg *Config

// Config 结构体定义了应用程序的所有配置项
// 它与 config.yaml 文件的结构完全对应
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Fraud    FraudConfig    `mapstructure:"fraud"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
}

// ServerConfig 定义了服务器相关的配置
type ServerConfig struct {
	Mode    string     `mapstructure:"mode"`
	Address string     `mapstructure:"address"`
	Cors    CorsConfig `mapstructure:"cors"`
}

// CorsConfig 定义了CORS相关的配置
type CorsConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// DatabaseConfig 定义了数据库和缓存相关的配置
type DatabaseConfig struct {
	// Driver 可选 "sqlite" 或 "postgres"
	Driver   string         `mapstructure:"driver"`
	Sqlite   SqliteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// SqliteConfig 定义了SQLite的配置
type SqliteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig 定义了PostgreSQL的配置
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 定义了Redis的配置
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// FraudConfig 定义了欺诈检测的所有阈值
// 这些值刻意不做硬编码，便于按投票规模调整
type FraudConfig struct {
	// DifferentUserThreshold 同一指纹关联的独立用户数，达到即计分
	DifferentUserThreshold int `mapstructure:"differentUserThreshold"`
	// DifferentIPThreshold 同一指纹关联的独立IP数，达到即计分
	DifferentIPThreshold int `mapstructure:"differentIPThreshold"`
	// VotesPerHourThreshold 每小时投票数，超过即视为高频
	VotesPerHourThreshold float64 `mapstructure:"votesPerHourThreshold"`
	// 各规则独立触发时的加分
	DifferentUserScore int `mapstructure:"differentUserScore"`
	DifferentIPScore   int `mapstructure:"differentIPScore"`
	HighFrequencyScore int `mapstructure:"highFrequencyScore"`
	// BlockScoreThreshold 总分达到该值时直接拦截投票
	BlockScoreThreshold int `mapstructure:"blockScoreThreshold"`
	// RecentWindowHours 实时检查回查数据库的时间窗口
	RecentWindowHours int `mapstructure:"recentWindowHours"`
	// ActivityCacheTTL 指纹活动缓存的生存时间
	ActivityCacheTTL time.Duration `mapstructure:"activityCacheTTL"`
	// IdempotencyTTL 幂等结果缓存的生存时间
	IdempotencyTTL time.Duration `mapstructure:"idempotencyTTL"`
	// RapidChangeThreshold 同一身份在窗口内出现的指纹数，达到即视为快速更换
	RapidChangeThreshold int `mapstructure:"rapidChangeThreshold"`
}

// AnalyzerConfig 定义了模式分析后台任务的配置
type AnalyzerConfig struct {
	// Interval 周期性全量分析的间隔
	Interval time.Duration `mapstructure:"interval"`
	// WindowHours 每次分析扫描的投票历史窗口
	WindowHours int `mapstructure:"windowHours"`
	// DeepWindowHours 异步深度指纹分析的扫描窗口
	DeepWindowHours int `mapstructure:"deepWindowHours"`
	// AlertScoreThreshold 模式风险分达到该值时生成FraudAlert
	AlertScoreThreshold int `mapstructure:"alertScoreThreshold"`
	// BurstThreshold 10分钟桶内的投票数，达到即视为爆发
	BurstThreshold int `mapstructure:"burstThreshold"`
	// IPClusterThreshold 单IP在窗口内的投票数，达到即视为聚集
	IPClusterThreshold int `mapstructure:"ipClusterThreshold"`
	// FingerprintReuseThreshold 单指纹在窗口内的投票数，达到即视为复用
	FingerprintReuseThreshold int `mapstructure:"fingerprintReuseThreshold"`
}

// LoadConfig 函数负责查找、加载和解析配置文件
// 它会在指定的路径中查找名为 config.yaml 的文件
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 允许通过环境变量覆盖配置，例如 DATABASE_REDIS_ADDRESS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// 配置文件缺失时完全使用默认值运行
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	Cfg = &cfg
	return Cfg, nil
}

// setDefaults 写入约定的默认阈值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cors.allowedOrigins", []string{"http://localhost:3000"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "provote.db")
	v.SetDefault("database.redis.address", "localhost:6379")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("fraud.differentUserThreshold", 2)
	v.SetDefault("fraud.differentIPThreshold", 2)
	v.SetDefault("fraud.votesPerHourThreshold", 10.0)
	v.SetDefault("fraud.differentUserScore", 40)
	v.SetDefault("fraud.differentIPScore", 30)
	v.SetDefault("fraud.highFrequencyScore", 20)
	v.SetDefault("fraud.blockScoreThreshold", 70)
	v.SetDefault("fraud.recentWindowHours", 24)
	v.SetDefault("fraud.activityCacheTTL", time.Hour)
	v.SetDefault("fraud.idempotencyTTL", time.Hour)
	v.SetDefault("fraud.rapidChangeThreshold", 3)

	v.SetDefault("analyzer.interval", time.Hour)
	v.SetDefault("analyzer.windowHours", 24)
	v.SetDefault("analyzer.deepWindowHours", 168)
	v.SetDefault("analyzer.alertScoreThreshold", 60)
	v.SetDefault("analyzer.burstThreshold", 30)
	v.SetDefault("analyzer.ipClusterThreshold", 10)
	v.SetDefault("analyzer.fingerprintReuseThreshold", 5)
}

// DefaultFraudConfig 返回带默认阈值的欺诈检测配置，主要供测试使用
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		DifferentUserThreshold: 2,
		DifferentIPThreshold:   2,
		VotesPerHourThreshold:  10.0,
		DifferentUserScore:     40,
		DifferentIPScore:       30,
		HighFrequencyScore:     20,
		BlockScoreThreshold:    70,
		RecentWindowHours:      24,
		ActivityCacheTTL:       time.Hour,
		IdempotencyTTL:         time.Hour,
		RapidChangeThreshold:   3,
	}
}

// DefaultAnalyzerConfig 返回带默认阈值的分析器配置，主要供测试使用
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Interval:                  time.Hour,
		WindowHours:               24,
		DeepWindowHours:           168,
		AlertScoreThreshold:       60,
		BurstThreshold:            30,
		IPClusterThreshold:        10,
		FingerprintReuseThreshold: 5,
	}
}
