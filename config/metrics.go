package config

import (
	"errors"
	"regexp"
)

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enable 是否启用 Prometheus 指标
	Enable bool `json:"enable"`

	// Namespace 指标命名空间
	Namespace string `json:"namespace"`
}

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enable:    true,
		Namespace: "rendezvous",
	}
}

// Validate 验证指标配置
func (c MetricsConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if !metricNameRE.MatchString(c.Namespace) {
		return errors.New("metrics namespace must be a valid prometheus name")
	}
	return nil
}
