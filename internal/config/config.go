// Package config provides configuration loading and management for agentd.
package config

// Config is the root configuration.
type Config struct {
	Planner   PlannerConfig   `json:"planner"   mapstructure:"planner"`
	Apply     ApplyConfig     `json:"apply"     mapstructure:"apply"`
	HTTP      HTTPConfig      `json:"http"      mapstructure:"http"`
	Retention RetentionPolicy `json:"retention" mapstructure:"retention"`
}

// PlannerConfig describes how to reach the external planner service.
type PlannerConfig struct {
	URL            string `json:"url"                       mapstructure:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// ApplyConfig bounds plan application.
type ApplyConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds,omitempty" mapstructure:"step_timeout_seconds"`
}

// HTTPConfig describes the API server.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty" mapstructure:"addr"`
}

// RetentionPolicy defines how many old operations to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}
