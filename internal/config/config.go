package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Tiling   TilingConfig
	Rebuild  RebuildConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CacheConfig struct {
	// TileCacheTTL bounds how stale a cached tile can be after a rebuild.
	// There is no rebuild-triggered invalidation.
	TileCacheTTL     time.Duration
	CacheZoomMax     int
	FilteredCacheTTL time.Duration
}

// TilingConfig holds the partitioning scheme. QuadkeyZoom and PrefixLength are
// fixed per deployment: changing either requires a full ensure with tile tables.
type TilingConfig struct {
	QuadkeyZoom         int
	PrefixLength        int
	MaxZoom             int
	CoarseMaxZoom       int
	CoarseSimplifyZoom  int
	MaxFragmentVertices int
	FetchWorkers        int
	MaxBatchCoords      int
}

type RebuildConfig struct {
	Enabled     bool
	Interval    time.Duration
	InsertBatch int
	// Session tuning for bulk writes; applied on the maintenance path only.
	WorkMem            string
	MaxParallelWorkers int
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Environment-only deployments carry no .env file.
		if !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("API_HOST"),
			Port: viper.GetInt("API_PORT"),
			Env:  viper.GetString("API_ENV"),
		},
		Database: DatabaseConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			User:            viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			DBName:          viper.GetString("DB_NAME"),
			SSLMode:         viper.GetString("DB_SSLMODE"),
			MaxConns:        viper.GetInt("DB_MAX_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: time.Duration(viper.GetInt("DB_CONN_MAX_LIFETIME")) * time.Second,
			ConnMaxIdleTime: time.Duration(viper.GetInt("DB_CONN_MAX_IDLE_TIME")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetInt("REDIS_PORT"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		Cache: CacheConfig{
			TileCacheTTL:     time.Duration(viper.GetInt("TILE_CACHE_TTL")) * time.Second,
			CacheZoomMax:     viper.GetInt("TILE_CACHE_ZOOM_MAX"),
			FilteredCacheTTL: time.Duration(viper.GetInt("FILTERED_CACHE_TTL")) * time.Second,
		},
		Tiling: TilingConfig{
			QuadkeyZoom:         viper.GetInt("QUADKEY_ZOOM"),
			PrefixLength:        viper.GetInt("QUADKEY_PREFIX_LENGTH"),
			MaxZoom:             viper.GetInt("TILE_MAX_ZOOM"),
			CoarseMaxZoom:       viper.GetInt("TILE_COARSE_MAX_ZOOM"),
			CoarseSimplifyZoom:  viper.GetInt("TILE_COARSE_SIMPLIFY_ZOOM"),
			MaxFragmentVertices: viper.GetInt("TILE_MAX_FRAGMENT_VERTICES"),
			FetchWorkers:        viper.GetInt("TILE_FETCH_WORKERS"),
			MaxBatchCoords:      viper.GetInt("TILE_MAX_BATCH_COORDS"),
		},
		Rebuild: RebuildConfig{
			Enabled:            viper.GetBool("REBUILD_WORKER_ENABLED"),
			Interval:           time.Duration(viper.GetInt("REBUILD_INTERVAL")) * time.Second,
			InsertBatch:        viper.GetInt("REBUILD_INSERT_BATCH"),
			WorkMem:            viper.GetString("REBUILD_WORK_MEM"),
			MaxParallelWorkers: viper.GetInt("REBUILD_MAX_PARALLEL_WORKERS"),
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
	}

	applyDefaults(cfg)

	if cfg.Tiling.PrefixLength < 1 || cfg.Tiling.PrefixLength > cfg.Tiling.QuadkeyZoom {
		return nil, fmt.Errorf("invalid prefix length %d for quadkey zoom %d",
			cfg.Tiling.PrefixLength, cfg.Tiling.QuadkeyZoom)
	}
	if cfg.Tiling.CoarseMaxZoom >= cfg.Tiling.MaxZoom {
		return nil, fmt.Errorf("coarse max zoom %d must be below max zoom %d",
			cfg.Tiling.CoarseMaxZoom, cfg.Tiling.MaxZoom)
	}

	return cfg, nil
}

// applyDefaults fills values not provided by the environment.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Cache.TileCacheTTL == 0 {
		cfg.Cache.TileCacheTTL = 24 * time.Hour
	}
	if cfg.Cache.CacheZoomMax == 0 {
		cfg.Cache.CacheZoomMax = 12
	}
	if cfg.Cache.FilteredCacheTTL == 0 {
		cfg.Cache.FilteredCacheTTL = 5 * time.Minute
	}
	if cfg.Tiling.QuadkeyZoom == 0 {
		cfg.Tiling.QuadkeyZoom = 14
	}
	if cfg.Tiling.PrefixLength == 0 {
		cfg.Tiling.PrefixLength = 6
	}
	if cfg.Tiling.MaxZoom == 0 {
		cfg.Tiling.MaxZoom = 18
	}
	if cfg.Tiling.CoarseMaxZoom == 0 {
		cfg.Tiling.CoarseMaxZoom = 11
	}
	if cfg.Tiling.CoarseSimplifyZoom == 0 {
		cfg.Tiling.CoarseSimplifyZoom = 8
	}
	if cfg.Tiling.MaxFragmentVertices == 0 {
		cfg.Tiling.MaxFragmentVertices = 256
	}
	if cfg.Tiling.FetchWorkers == 0 {
		cfg.Tiling.FetchWorkers = 8
	}
	if cfg.Tiling.MaxBatchCoords == 0 {
		cfg.Tiling.MaxBatchCoords = 64
	}
	if cfg.Rebuild.Interval == 0 {
		cfg.Rebuild.Interval = 24 * time.Hour
	}
	if cfg.Rebuild.InsertBatch == 0 {
		cfg.Rebuild.InsertBatch = 500
	}
	if cfg.Rebuild.WorkMem == "" {
		cfg.Rebuild.WorkMem = "256MB"
	}
	if cfg.Rebuild.MaxParallelWorkers == 0 {
		cfg.Rebuild.MaxParallelWorkers = 4
	}
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
