package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultShellManifest 是未配置 ShellManifest 时安装阶段预取的应用壳资源。
var DefaultShellManifest = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/manifest.json",
	"/favicon.ico",
	"/assets/index.js",
	"/assets/index.css",
	"/assets/logo.svg",
}

// DefaultLargeResourceThreshold 超过该字节数的响应不会被自动写入壳缓存（10 MiB）。
const DefaultLargeResourceThreshold int64 = 10 * 1024 * 1024

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoreBackend == StoreBackendFilesystem {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", StoreBackendFilesystem)
	v.SetDefault("RedisPrefix", "offline-cache:")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("DownloadTimeout", "30m")
	v.SetDefault("MaxConcurrentDownloads", 4)
	v.SetDefault("Engine.Version", "v1")
	v.SetDefault("Engine.APIPrefix", "/api/")
	v.SetDefault("Engine.OfflinePrefix", "/offline-content/")
	v.SetDefault("Engine.OfflinePage", "/offline.html")
	v.SetDefault("Engine.ShellStorePrefix", "offline-shell")
	v.SetDefault("Engine.APIStorePrefix", "api-cache")
	v.SetDefault("Engine.ContentStore", "content-cache")
	v.SetDefault("Engine.LargeResourceThreshold", DefaultLargeResourceThreshold)
	v.SetDefault("Engine.InstallConcurrency", 4)
	v.SetDefault("Engine.CacheWriteTimeout", "10s")
}

// ApplyDefaults 为未填写的字段补齐默认值，不经过文件加载的调用方（如测试）也可直接使用。
func (cfg *Config) ApplyDefaults() {
	applyGlobalDefaults(&cfg.Global)
	applyEngineDefaults(&cfg.Engine)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = StoreBackendFilesystem
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.DownloadTimeout.DurationValue() == 0 {
		g.DownloadTimeout = Duration(30 * time.Minute)
	}
	if g.MaxConcurrentDownloads == 0 {
		g.MaxConcurrentDownloads = 4
	}
	if g.StoragePath == "" {
		g.StoragePath = "./storage"
	}
	if g.RedisPrefix == "" {
		g.RedisPrefix = "offline-cache:"
	}
	g.Origin = strings.TrimSuffix(strings.TrimSpace(g.Origin), "/")
}

func applyEngineDefaults(e *EngineConfig) {
	e.Version = defaultString(e.Version, "v1")
	e.APIPrefix = defaultString(e.APIPrefix, "/api/")
	e.OfflinePrefix = defaultString(e.OfflinePrefix, "/offline-content/")
	e.OfflinePage = defaultString(e.OfflinePage, "/offline.html")
	e.ShellStorePrefix = defaultString(e.ShellStorePrefix, "offline-shell")
	e.APIStorePrefix = defaultString(e.APIStorePrefix, "api-cache")
	e.ContentStore = defaultString(e.ContentStore, "content-cache")
	if e.LargeResourceThreshold == 0 {
		e.LargeResourceThreshold = DefaultLargeResourceThreshold
	}
	if len(e.ShellManifest) == 0 {
		e.ShellManifest = append([]string(nil), DefaultShellManifest...)
	}
	if e.InstallConcurrency <= 0 {
		e.InstallConcurrency = 4
	}
	if e.CacheWriteTimeout.DurationValue() == 0 {
		e.CacheWriteTimeout = Duration(10 * time.Second)
	}
	e.APIPrefix = ensureSlashes(e.APIPrefix)
	e.OfflinePrefix = ensureSlashes(e.OfflinePrefix)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ensureSlashes 把 "api" 或 "/api" 统一成 "/api/"，便于前缀匹配。
func ensureSlashes(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
