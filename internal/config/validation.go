package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StoreBackend {
	case StoreBackendFilesystem:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
		}
		if g.RedisDB < 0 {
			return newFieldError("Global.RedisDB", "不能为负数")
		}
	default:
		return newFieldError("Global.StoreBackend", "仅支持 filesystem|redis")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DownloadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DownloadTimeout", "必须大于 0")
	}
	if g.MaxConcurrentDownloads < 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "不能为负数")
	}

	return c.Engine.validate()
}

func (e EngineConfig) validate() error {
	if strings.TrimSpace(e.Version) == "" {
		return newFieldError("Engine.Version", "不能为空")
	}
	if e.APIPrefix == "" || e.APIPrefix == "/" {
		return newFieldError("Engine.APIPrefix", "不能为空或根路径")
	}
	if e.OfflinePrefix == "" || e.OfflinePrefix == "/" {
		return newFieldError("Engine.OfflinePrefix", "不能为空或根路径")
	}
	if e.APIPrefix == e.OfflinePrefix {
		return newFieldError("Engine.OfflinePrefix", "不能与 APIPrefix 相同")
	}
	if !strings.HasPrefix(e.OfflinePage, "/") {
		return newFieldError("Engine.OfflinePage", "必须以 / 开头")
	}
	if strings.TrimSpace(e.ShellStorePrefix) == "" {
		return newFieldError("Engine.ShellStorePrefix", "不能为空")
	}
	if strings.TrimSpace(e.APIStorePrefix) == "" {
		return newFieldError("Engine.APIStorePrefix", "不能为空")
	}
	if strings.TrimSpace(e.ContentStore) == "" {
		return newFieldError("Engine.ContentStore", "不能为空")
	}

	seen := map[string]struct{}{}
	for _, name := range e.AllowList() {
		if strings.ContainsAny(name, `/\`) {
			return newFieldError("Engine", fmt.Sprintf("缓存名 %q 不允许包含路径分隔符", name))
		}
		if _, exists := seen[name]; exists {
			return newFieldError("Engine", fmt.Sprintf("缓存名 %q 重复", name))
		}
		seen[name] = struct{}{}
	}

	if e.LargeResourceThreshold <= 0 {
		return newFieldError("Engine.LargeResourceThreshold", "必须大于 0")
	}
	if e.CacheWriteTimeout.DurationValue() <= 0 {
		return newFieldError("Engine.CacheWriteTimeout", "必须大于 0")
	}
	for i, entry := range e.ShellManifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(manifestField(i), "必须是以 / 开头的站内路径")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
