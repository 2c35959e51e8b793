package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Decompiler DecompilerConfig `mapstructure:"decompiler"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Path     string `mapstructure:"path"` // sqlite 文件路径
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// DecompilerConfig 外部反编译器，Engines 中第一个为默认
type DecompilerConfig struct {
	Engines []EngineConfig `mapstructure:"engines"`
}

// EngineConfig 单个反编译器命令
type EngineConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`    // 支持 {file} {outdir} {class} 占位符
	Timeout int               `mapstructure:"timeout"` // seconds
	Options map[string]string `mapstructure:"options"`
}

// TimeoutDuration 超时时间
func (e EngineConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// RecoveryConfig 字符串还原
type RecoveryConfig struct {
	Engines []string `mapstructure:"engines"` // zkm, allatori；为空表示全部
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 监听入站目录中新出现的归档
type WatcherConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	InboundDir string `mapstructure:"inbound_dir"`
	Pattern    string `mapstructure:"pattern"`
}

// WorkspaceConfig 输出目录
type WorkspaceConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default 不依赖配置文件即可使用的默认配置
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, Mode: "release"},
		Database: DatabaseConfig{Type: "sqlite", Path: "data/jarscope.db", Port: 3306},
		RabbitMQ: RabbitMQConfig{Host: "localhost", Port: 5672, User: "guest", Password: "guest", VHost: "/", Queue: "jar_analysis"},
		Decompiler: DecompilerConfig{Engines: []EngineConfig{{
			Name:    "cfr",
			Command: "java",
			Args:    []string{"-jar", "tools/cfr.jar", "{file}", "--outputdir", "{outdir}"},
			Timeout: 60,
			Options: map[string]string{
				"showversion":        "false",
				"hidebridgemethods":  "true",
				"hidelongstrings":    "true",
				"decodestringswitch": "true",
				"sugarenums":         "true",
				"decodelambdas":      "true",
				"comments":           "true",
			},
		}}},
		Worker:    WorkerConfig{Concurrency: 4, QueueSize: 100},
		Watcher:   WatcherConfig{InboundDir: "inbound", Pattern: "*.jar"},
		Workspace: WorkspaceConfig{OutputDir: "output"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// setDefaults 把 Default() 写入 viper，配置文件只需覆盖关心的键
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.api_token", d.Server.APIToken)
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("rabbitmq.host", d.RabbitMQ.Host)
	v.SetDefault("rabbitmq.port", d.RabbitMQ.Port)
	v.SetDefault("rabbitmq.user", d.RabbitMQ.User)
	v.SetDefault("rabbitmq.password", d.RabbitMQ.Password)
	v.SetDefault("rabbitmq.vhost", d.RabbitMQ.VHost)
	v.SetDefault("rabbitmq.queue", d.RabbitMQ.Queue)
	v.SetDefault("decompiler.engines", []map[string]interface{}{{
		"name":    d.Decompiler.Engines[0].Name,
		"command": d.Decompiler.Engines[0].Command,
		"args":    d.Decompiler.Engines[0].Args,
		"timeout": d.Decompiler.Engines[0].Timeout,
		"options": d.Decompiler.Engines[0].Options,
	}})
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.queue_size", d.Worker.QueueSize)
	v.SetDefault("watcher.inbound_dir", d.Watcher.InboundDir)
	v.SetDefault("watcher.pattern", d.Watcher.Pattern)
	v.SetDefault("workspace.output_dir", d.Workspace.OutputDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load 读取 YAML 配置；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）：JARSCOPE_SERVER_PORT -> server.port
	v.SetEnvPrefix("JARSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定常用的部署环境变量
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
