package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供图片请求的定位与命中状态字段，供代理请求日志复用。
func RequestFields(requestID, path, cacheKey string, dataSaver, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":     "image",
		"request_id": requestID,
		"path":       path,
		"cache_key":  cacheKey,
		"data_saver": dataSaver,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 描述节点状态机的一次迁移。
func LifecycleFields(from, to, reason string) logrus.Fields {
	return logrus.Fields{
		"action": "lifecycle",
		"from":   from,
		"to":     to,
		"reason": reason,
	}
}
