package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 应用程序配置
type Config struct {
	Server     ServerConfig     `json:"server"`
	Proxy      ProxyConfig      `json:"proxy"`
	Binlog     BinlogConfig     `json:"binlog"`
	Log        LogConfig        `json:"log"`
	Pool       PoolConfig       `json:"pool"`
	Monitor    MonitorConfig    `json:"monitor"`
	Connection ConnectionConfig `json:"connection"`
	TLS        TLSConfig        `json:"tls"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ServerVersion   string        `json:"server_version"`
	KeepAlivePeriod time.Duration `json:"keep_alive_period"`
}

// ProxyConfig carries the proxy's own identity and the downstream-client
// credentials it accepts on its listening port: a replica connecting to
// blrproxy authenticates exactly the way it would against a real master.
type ProxyConfig struct {
	ServerID uint32            `json:"server_id"`
	Users    map[string]string `json:"users"` // username -> plaintext password
}

// PasswordFor looks up a configured user's password. ok is false if the
// user is not configured at all (as opposed to configured with "").
func (c ProxyConfig) PasswordFor(user string) (string, bool) {
	pw, ok := c.Users[user]
	return pw, ok
}

// BinlogMasterConfig is the on-disk shape of the upstream master this
// proxy replicates from; cmd/service converts it into a pkg/binlog.MasterConfig
// at startup (the runtime type additionally carries a *tls.Config and
// backoff tunables not worth exposing as raw JSON).
type BinlogMasterConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	User              string `json:"user"`
	Password          string `json:"password"`
	TrxSafe           bool   `json:"trx_safe"`
	UseGTID           bool   `json:"use_gtid"`
	SemiSyncRequested bool   `json:"semi_sync_requested"`
}

// BinlogConfig controls the on-disk binlog file set the router serves
// replicas from and the upstream master it ingests from.
type BinlogConfig struct {
	Directory         string             `json:"directory"`
	FileRoot          string             `json:"file_root"`
	Heartbeat         time.Duration      `json:"heartbeat"`
	BurstMaxEvents    int                `json:"burst_max_events"`
	BurstMaxBytes     int                `json:"burst_max_bytes"`
	Strict            bool               `json:"strict"` // copied to binlog.Router.Strict, which the dump path does not read
	EncryptionEnabled bool               `json:"encryption_enabled"`
	EncryptionKey     string             `json:"encryption_key"`
	GTIDMapDir        string             `json:"gtid_map_dir"`
	Master            BinlogMasterConfig `json:"master"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// PoolConfig 池配置
type PoolConfig struct {
	GoroutinePool GoroutinePoolConfig `json:"goroutine_pool"`
	ObjectPool    ObjectPoolConfig    `json:"object_pool"`
}

// GoroutinePoolConfig sizes the workerpool.Pool that cmd/service uses to
// fan out the monitor's initial reachability dials to the backend servers.
type GoroutinePoolConfig struct {
	MaxWorkers int `json:"max_workers"`
	QueueSize  int `json:"queue_size"`
}

// ObjectPoolConfig 对象池配置
type ObjectPoolConfig struct {
	MaxSize int `json:"max_size"`
	MinIdle int `json:"min_idle"`
	MaxIdle int `json:"max_idle"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Interval       time.Duration   `json:"interval"`
	ConnectTimeout time.Duration   `json:"connect_timeout"`
	JournalMaxAge  time.Duration   `json:"journal_max_age"`
	JournalDir     string          `json:"journal_dir"`
	Script         string          `json:"script"`
	ScriptTimeout  time.Duration   `json:"script_timeout"`
	SlowQuery      SlowQueryConfig `json:"slow_query"`
	Servers        []MonitorServer `json:"servers"`
}

// MonitorServer is one backend the monitor claims and probes.
type MonitorServer struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// SlowQueryConfig 慢查询配置
type SlowQueryConfig struct {
	Threshold  time.Duration `json:"threshold"`
	MaxEntries int           `json:"max_entries"`
}

// ConnectionConfig 连接池配置
type ConnectionConfig struct {
	MaxOpen     int           `json:"max_open"`
	MaxIdle     int           `json:"max_idle"`
	Lifetime    time.Duration `json:"lifetime"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// TLSConfig describes the server's optional listener-side TLS material
// and the client-side verification policy used when dialing upstream.
type TLSConfig struct {
	Enabled           bool   `json:"enabled"`
	CertFile          string `json:"cert_file"`
	KeyFile           string `json:"key_file"`
	CAFile            string `json:"ca_file"`
	VerifyServerCert  bool   `json:"verify_server_cert"`
	InsecureSkipVerify bool  `json:"insecure_skip_verify"`
}

// ServerTLSConfig builds the *tls.Config the listener uses, or nil if TLS
// is not enabled.
func (c TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load server keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ClientTLSConfig builds the *tls.Config used when dialing the upstream
// master, or nil if TLS is not enabled.
func (c TLSConfig) ClientTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	return &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify || !c.VerifyServerCert}, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3306,
			ServerVersion:   "5.5.5-10.3.12-MariaDB-blrproxy",
			KeepAlivePeriod: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			ServerID: 1,
			Users:    map[string]string{},
		},
		Binlog: BinlogConfig{
			Directory:      "./binlogs",
			FileRoot:       "blrproxy-bin",
			Heartbeat:      30 * time.Second,
			BurstMaxEvents: 100,
			BurstMaxBytes:  1 << 20,
			GTIDMapDir:     "./binlogs/gtidmap",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Pool: PoolConfig{
			GoroutinePool: GoroutinePoolConfig{
				MaxWorkers: 10,
				QueueSize:  1000,
			},
			ObjectPool: ObjectPoolConfig{
				MaxSize: 100,
				MinIdle: 2,
				MaxIdle: 50,
			},
		},
		Monitor: MonitorConfig{
			Interval:       2 * time.Second,
			ConnectTimeout: 3 * time.Second,
			JournalMaxAge:  8 * time.Hour,
			ScriptTimeout:  90 * time.Second,
			SlowQuery: SlowQueryConfig{
				Threshold:  1 * time.Second,
				MaxEntries: 1000,
			},
		},
		Connection: ConnectionConfig{
			MaxOpen:     10,
			MaxIdle:     5,
			Lifetime:    30 * time.Minute,
			IdleTimeout: 5 * time.Minute,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	// 如果没有指定配置文件，使用默认配置
	if configPath == "" {
		return DefaultConfig(), nil
	}

	// 检查配置文件是否存在
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("配置文件不存在: %s", configPath)
	}

	// 读取配置文件
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfigOrDefault 尝试从常见位置加载配置文件
func LoadConfigOrDefault() *Config {
	// 尝试的配置文件路径
	possiblePaths := []string{
		"config.json",
		"./config/config.json",
		"/etc/blrproxy/config.json",
	}

	// 尝试从环境变量获取配置文件路径
	if envPath := os.Getenv("BLRPROXY_CONFIG"); envPath != "" {
		if config, err := LoadConfig(envPath); err == nil {
			return config
		}
	}

	// 尝试从常见位置加载
	for _, path := range possiblePaths {
		if absPath, err := filepath.Abs(path); err == nil {
			if config, err := LoadConfig(absPath); err == nil {
				return config
			}
		}
	}

	// 使用默认配置
	return DefaultConfig()
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", config.Server.Port)
	}

	if config.Pool.GoroutinePool.MaxWorkers < 1 {
		return fmt.Errorf("Goroutine池最大工作线程数必须大于0")
	}

	if config.Pool.GoroutinePool.QueueSize < 1 {
		return fmt.Errorf("Goroutine池队列大小必须大于0")
	}

	if config.Pool.ObjectPool.MaxSize < 1 {
		return fmt.Errorf("对象池最大大小必须大于0")
	}

	if config.Pool.ObjectPool.MinIdle < 0 {
		return fmt.Errorf("对象池最小空闲数不能为负数")
	}

	if config.Pool.ObjectPool.MaxIdle < 1 {
		return fmt.Errorf("对象池最大空闲数必须大于0")
	}

	if config.Connection.MaxOpen < 1 {
		return fmt.Errorf("连接池最大连接数必须大于0")
	}

	if config.Connection.MaxIdle < 1 {
		return fmt.Errorf("连接池最大空闲连接数必须大于0")
	}

	return nil
}

// GetListenAddress 返回监听地址
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
