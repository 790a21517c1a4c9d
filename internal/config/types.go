package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	StoreBackendFilesystem = "filesystem"
	StoreBackendRedis      = "redis"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存后端以及上游源站。
type GlobalConfig struct {
	ListenPort             int      `mapstructure:"ListenPort"`
	LogLevel               string   `mapstructure:"LogLevel"`
	LogFilePath            string   `mapstructure:"LogFilePath"`
	LogMaxSize             int      `mapstructure:"LogMaxSize"`
	LogMaxBackups          int      `mapstructure:"LogMaxBackups"`
	LogCompress            bool     `mapstructure:"LogCompress"`
	StoragePath            string   `mapstructure:"StoragePath"`
	StoreBackend           string   `mapstructure:"StoreBackend"`
	RedisAddr              string   `mapstructure:"RedisAddr"`
	RedisPassword          string   `mapstructure:"RedisPassword"`
	RedisDB                int      `mapstructure:"RedisDB"`
	RedisPrefix            string   `mapstructure:"RedisPrefix"`
	Origin                 string   `mapstructure:"Origin"`
	UpstreamTimeout        Duration `mapstructure:"UpstreamTimeout"`
	DownloadTimeout        Duration `mapstructure:"DownloadTimeout"`
	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
}

// EngineConfig 对应 [Engine] 表，描述当前引擎版本的分类规则、缓存命名与壳清单。
type EngineConfig struct {
	Version                string   `mapstructure:"Version"`
	APIPrefix              string   `mapstructure:"APIPrefix"`
	OfflinePrefix          string   `mapstructure:"OfflinePrefix"`
	OfflinePage            string   `mapstructure:"OfflinePage"`
	ShellStorePrefix       string   `mapstructure:"ShellStorePrefix"`
	APIStorePrefix         string   `mapstructure:"APIStorePrefix"`
	ContentStore           string   `mapstructure:"ContentStore"`
	LargeResourceThreshold int64    `mapstructure:"LargeResourceThreshold"`
	ShellManifest          []string `mapstructure:"ShellManifest"`
	InstallConcurrency     int      `mapstructure:"InstallConcurrency"`
	CacheWriteTimeout      Duration `mapstructure:"CacheWriteTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Engine EngineConfig `mapstructure:"Engine"`
}

// ShellStoreName 返回当前版本的应用壳缓存名，例如 offline-shell-v1。
func (e EngineConfig) ShellStoreName() string {
	return versionedName(e.ShellStorePrefix, e.Version)
}

// APIStoreName 返回当前版本的 API 响应缓存名。
func (e EngineConfig) APIStoreName() string {
	return versionedName(e.APIStorePrefix, e.Version)
}

// AllowList 列出激活阶段需要保留的缓存名，其余一律删除。
func (e EngineConfig) AllowList() []string {
	return []string{e.ShellStoreName(), e.APIStoreName(), e.ContentStore}
}

func versionedName(prefix, version string) string {
	if version == "" {
		return prefix
	}
	return prefix + "-" + version
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (g GlobalConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(g.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// BackendMode 输出 `filesystem` 或 `redis:<addr>`，供日志字段使用。
func (g GlobalConfig) BackendMode() string {
	if g.StoreBackend == StoreBackendRedis {
		return fmt.Sprintf("%s:%s", StoreBackendRedis, g.RedisAddr)
	}
	return StoreBackendFilesystem
}
