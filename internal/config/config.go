package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DatabaseType 网关数据库类型
type DatabaseType string

const (
	DatabaseMySQL    DatabaseType = "mysql"
	DatabasePostgres DatabaseType = "postgres"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	LocalDB  LocalDBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	GeoIP    GeoIPConfig
	Tasks    TasksConfig
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port         int
	Mode         string // debug | release | test
	TimeZone     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig 网关主数据库配置（只读为主）
type DatabaseConfig struct {
	Type         DatabaseType
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// LocalDBConfig 本地 SQLite 存储配置
type LocalDBConfig struct {
	Path string
}

// RedisConfig Redis 缓存配置（可选）
type RedisConfig struct {
	Enabled  bool
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig 认证配置
type AuthConfig struct {
	APIKey         string
	AdminPassword  string
	JWTSecret      string
	JWTExpireHours int
}

// GeoIPConfig GeoIP 数据库路径
type GeoIPConfig struct {
	CityDBPath string
	ASNDBPath  string
}

// TasksConfig 后台任务间隔
type TasksConfig struct {
	WarmupEnabled      bool
	IndexEnsureEnabled bool
}

// Load 加载配置：先读取 .env（如果存在），再从环境变量取值
func Load() (*Config, error) {
	// .env 不存在不报错
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("TZ", "Asia/Shanghai")
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "60s")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("LOCAL_DB_PATH", "./data/sentinel.db")
	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_SECRET", "gateway-sentinel-secret-change-in-production")
	v.SetDefault("JWT_EXPIRE_HOURS", 24)
	v.SetDefault("GEOIP_CITY_DB", "./data/GeoLite2-City.mmdb")
	v.SetDefault("GEOIP_ASN_DB", "./data/GeoLite2-ASN.mmdb")
	v.SetDefault("WARMUP_ENABLED", true)
	v.SetDefault("INDEX_ENSURE_ENABLED", true)

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("PORT"),
			Mode:         v.GetString("GIN_MODE"),
			TimeZone:     v.GetString("TZ"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		Database: DatabaseConfig{
			DSN:          v.GetString("SQL_DSN"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		},
		LocalDB: LocalDBConfig{
			Path: v.GetString("LOCAL_DB_PATH"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("REDIS_ENABLED"),
			URL:      v.GetString("REDIS_CONN_STRING"),
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Auth: AuthConfig{
			APIKey:         v.GetString("API_KEY"),
			AdminPassword:  v.GetString("ADMIN_PASSWORD"),
			JWTSecret:      v.GetString("JWT_SECRET"),
			JWTExpireHours: v.GetInt("JWT_EXPIRE_HOURS"),
		},
		GeoIP: GeoIPConfig{
			CityDBPath: v.GetString("GEOIP_CITY_DB"),
			ASNDBPath:  v.GetString("GEOIP_ASN_DB"),
		},
		Tasks: TasksConfig{
			WarmupEnabled:      v.GetBool("WARMUP_ENABLED"),
			IndexEnsureEnabled: v.GetBool("INDEX_ENSURE_ENABLED"),
		},
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("缺少 SQL_DSN 配置")
	}
	cfg.Database.Type = detectDatabaseType(cfg.Database.DSN)

	// JWT 有效期上限 24 小时
	if cfg.Auth.JWTExpireHours <= 0 || cfg.Auth.JWTExpireHours > 24 {
		cfg.Auth.JWTExpireHours = 24
	}

	if cfg.Redis.URL == "" && cfg.Redis.Host == "" {
		cfg.Redis.Enabled = false
	}

	if cfg.Server.TimeZone != "" {
		if loc, err := time.LoadLocation(cfg.Server.TimeZone); err == nil {
			time.Local = loc
		}
	}

	return cfg, nil
}

// detectDatabaseType 根据 DSN 判断数据库类型
func detectDatabaseType(dsn string) DatabaseType {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return DatabasePostgres
	}
	return DatabaseMySQL
}

// DSN 返回驱动可直接使用的连接串
func (c *Config) DSN() string {
	return strings.TrimPrefix(c.Database.DSN, "mysql://")
}
