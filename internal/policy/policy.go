package policy

import (
	"net/url"
	"path"
	"strings"
	"unicode"
)

// Policy 表示一次请求的缓存策略，每个请求都会重新计算，不做缓存。
type Policy string

const (
	NetworkFirst         Policy = "network_first"
	CacheFirst           Policy = "cache_first"
	CacheOnlyPlaceholder Policy = "cache_only_placeholder"
)

// StoreRole 描述策略读写的缓存角色，由引擎映射到具体的缓存名。
type StoreRole string

const (
	StoreRoleAPI     StoreRole = "api"
	StoreRoleShell   StoreRole = "shell"
	StoreRoleContent StoreRole = "content"
)

// Classifier 按顺序匹配前缀，首个命中的规则生效。
type Classifier struct {
	APIPrefix     string
	OfflinePrefix string
}

// NewClassifier 构造分类器，前缀统一补齐首尾斜杠。
func NewClassifier(apiPrefix, offlinePrefix string) Classifier {
	return Classifier{
		APIPrefix:     normalizePrefix(apiPrefix),
		OfflinePrefix: normalizePrefix(offlinePrefix),
	}
}

// Classify 是全函数：空路径或无法解析的路径一律回落为 CacheFirst。
func (c Classifier) Classify(rawPath string) Policy {
	clean, ok := cleanPath(rawPath)
	if !ok {
		return CacheFirst
	}
	switch {
	case c.APIPrefix != "" && strings.HasPrefix(clean, c.APIPrefix):
		return NetworkFirst
	case c.OfflinePrefix != "" && strings.HasPrefix(clean, c.OfflinePrefix):
		return CacheOnlyPlaceholder
	default:
		return CacheFirst
	}
}

// cleanPath 去掉 query/fragment 并折叠 "." 与 ".."，保留结尾斜杠。
func cleanPath(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return "", false
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	p := u.Path
	if p == "" {
		return "", false
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean, true
}

func normalizePrefix(prefix string) string {
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
