package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 host/模块/命中状态/编码字段，供请求日志复用。
func RequestFields(host, moduleName string, cacheHit bool, encoding string) logrus.Fields {
	if encoding == "" {
		encoding = "identity"
	}
	return logrus.Fields{
		"host":      host,
		"module":    moduleName,
		"cache_hit": cacheHit,
		"encoding":  encoding,
	}
}
