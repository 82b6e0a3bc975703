package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供版本/资源类型/策略/命中状态字段，供拦截日志复用。
func RequestFields(version, destination, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"destination":   destination,
		"strategy":      strategy,
		"cache_hit":     cacheHit,
	}
}

// LifecycleFields 描述 install/activate/sync 等生命周期事件。
func LifecycleFields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": version,
	}
}

// AssetFields 用于单个资源的缓存结果（install/sync 中逐个记录）。
func AssetFields(action, version, url string) logrus.Fields {
	fields := LifecycleFields(action, version)
	fields["url"] = url
	return fields
}
