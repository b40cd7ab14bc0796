package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DBConfig struct {
	Type   string `yaml:"type" json:"type"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type WhatsappConfig struct {
	// StoreDir holds one credential directory per tenant.
	StoreDir string `yaml:"store_dir" json:"store_dir"`
	// KeepaliveInterval is the presence ping interval in seconds.
	KeepaliveInterval int `yaml:"keepalive_interval" json:"keepalive_interval"`
	// Preload restores sessions for all stored tenants at startup.
	Preload bool `yaml:"preload" json:"preload"`
}

type WebhookConfig struct {
	URL     string `yaml:"url" json:"url"`
	Timeout int    `yaml:"timeout" json:"timeout"`
}

type GuardConfig struct {
	// TrustedCidrs are never rate limited or banned.
	TrustedCidrs []string `yaml:"trusted_cidrs" json:"trusted_cidrs"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	Whatsapp WhatsappConfig `yaml:"whatsapp" json:"whatsapp"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
	Guard    GuardConfig    `yaml:"guard" json:"guard"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wa-gateway",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wa-gateway",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 3000,
	},
	Database: DBConfig{
		Type:   "postgres",
		Host:   "127.0.0.1",
		Port:   5432,
		Name:   "wa_gateway",
		User:   "postgres",
		Passwd: "",
		Debug:  false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wa-gateway/wa-gateway.log",
	},
	Whatsapp: WhatsappConfig{
		StoreDir:          "/var/wa-gateway/sessions",
		KeepaliveInterval: 30,
		Preload:           true,
	},
	Webhook: WebhookConfig{
		Timeout: 10,
	},
}

func (c *AppConfig) InitDirs() {
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "logs"), 0755)
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "data"), 0755)
	_ = os.MkdirAll(c.Whatsapp.StoreDir, 0700)
}

func setEnvValue(name string, f func(v string)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue)
	}
}

// LoadConfig reads the YAML config file, falling back to defaults
// when the file is absent. Environment variables override file values.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig
	if cfile != "" && FileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		cfg = new(AppConfig)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}

	setEnvValue("WAGW_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("WAGW_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvValue("WAGW_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("WAGW_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("WAGW_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("WAGW_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvValue("WAGW_WEBHOOK_URL", func(v string) { cfg.Webhook.URL = v })
	setEnvValue("WAGW_WHATSAPP_STORE_DIR", func(v string) { cfg.Whatsapp.StoreDir = v })

	if cfg.Whatsapp.StoreDir == "" {
		cfg.Whatsapp.StoreDir = filepath.Join(cfg.System.Workdir, "sessions")
	}
	if cfg.Whatsapp.KeepaliveInterval <= 0 {
		cfg.Whatsapp.KeepaliveInterval = 30
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = 10
	}
	return cfg
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

func (c *AppConfig) WebListen() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}
