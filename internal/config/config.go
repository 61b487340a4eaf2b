package config

import (
	"fmt"

	"pagewatch/pkg/domain"

	"github.com/BurntSushi/toml"
)

// Config 配置文件结构体
type Config struct {
	Version     string `toml:"version"`
	DevToolsURL string `toml:"devtools_url"`
	PageID      string `toml:"page_id"`
	BindingName string `toml:"binding_name"`
	AllowPopups bool   `toml:"allow_popups"`
	SettleMS    int    `toml:"settle_ms"`

	Sqlite struct {
		Dsn    string `toml:"dsn"`
		Prefix string `toml:"prefix"`
	} `toml:"sqlite"`

	Log struct {
		Level  string   `toml:"level"`
		Writer []string `toml:"writer"`
		File   string   `toml:"file"`
	} `toml:"log"`

	Bridge struct {
		WSURL string `toml:"ws_url"`
	} `toml:"bridge"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{
		Version:     "1.0.0",
		DevToolsURL: "http://127.0.0.1:9222",
		BindingName: "py_report",
		SettleMS:    50,
	}
	c.Sqlite.Dsn = "pagewatch.sqlite3"
	c.Sqlite.Prefix = "pagewatch_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "pagewatch.log"
	return c
}

// Load 在默认配置之上读取 TOML 文件
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if c.BindingName == "" {
		c.BindingName = "py_report"
	}
	if c.SettleMS <= 0 {
		c.SettleMS = 50
	}
	return c, nil
}

// SessionConfig 转换为会话配置
func (c *Config) SessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		DevToolsURL: c.DevToolsURL,
		PageID:      c.PageID,
		BindingName: c.BindingName,
		AllowPopups: c.AllowPopups,
		SettleMS:    c.SettleMS,
	}
}
