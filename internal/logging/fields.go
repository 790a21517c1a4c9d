package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供策略/缓存来源字段，供拦截请求日志复用。
func RequestFields(method, path, policy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"policy":    policy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// DownloadFields 提供下载任务的标识字段。
func DownloadFields(taskID, contentID, sourceURL string) logrus.Fields {
	return logrus.Fields{
		"action":     "download",
		"task_id":    taskID,
		"content_id": contentID,
		"source_url": sourceURL,
	}
}

// StoreFields 描述一次缓存读写涉及的存储名与键。
func StoreFields(store, key string) logrus.Fields {
	return logrus.Fields{
		"store": store,
		"key":   key,
	}
}
