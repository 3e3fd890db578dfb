package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kasuganosora/blrproxy/pkg/binlog"
	"github.com/kasuganosora/blrproxy/pkg/binlog/gtidmap"
	"github.com/kasuganosora/blrproxy/pkg/config"
	"github.com/kasuganosora/blrproxy/pkg/dcb"
	"github.com/kasuganosora/blrproxy/pkg/monitor"
	"github.com/kasuganosora/blrproxy/pkg/mserver"
	"github.com/kasuganosora/blrproxy/pkg/workerpool"
	"github.com/kasuganosora/blrproxy/server"
	"github.com/kasuganosora/blrproxy/server/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	worker := dcb.NewWorker(0, 1024)
	defer worker.Stop()

	router, master, closeStore, err := openBinlog(cfg, worker)
	if err != nil {
		log.Fatalf("初始化 binlog 失败: %v", err)
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if master != nil {
		if err := master.Start(ctx); err != nil {
			log.Printf("连接上游 master 失败，将在后台重试: %v", err)
		}
	}

	mon := startMonitor(cfg)
	if mon != nil {
		defer mon.Stop()
	}

	listener, err := net.Listen("tcp", cfg.GetListenAddress())
	if err != nil {
		log.Fatalf("监听端口失败: %v", err)
	}
	defer listener.Close()

	log.Printf("blrproxy 正在监听 %s (server_id=%d)", cfg.GetListenAddress(), cfg.Proxy.ServerID)

	go acceptLoop(ctx, listener, worker, cfg, router)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("收到退出信号，正在关闭...")
}

// openBinlog creates or opens the proxy's binlog file, wires a GTID
// store behind it, and, if a master is configured, constructs (but does
// not yet start) the Master replicating into that file.
func openBinlog(cfg *config.Config, worker *dcb.Worker) (*binlog.Router, *binlog.Master, func(), error) {
	if err := os.MkdirAll(cfg.Binlog.Directory, 0o755); err != nil {
		return nil, nil, nil, err
	}

	path := filepath.Join(cfg.Binlog.Directory, cfg.Binlog.FileRoot+".000001")
	var file *binlog.File
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fde := &protocol.FormatDescriptionEvent{
			BinlogFormatVersion: 4,
			ServerVersion:       cfg.Server.ServerVersion,
			HeaderLength:        19,
			ChecksumAlgorithm:   protocol.BINLOG_CHECKSUM_ALG_CRC32,
		}
		file, err = binlog.Create(path, fde)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		if err := binlog.Validate(path); err != nil {
			return nil, nil, nil, err
		}
		file, err = binlog.Open(path)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var store *gtidmap.Store
	closeStore := func() {}
	if cfg.Binlog.GTIDMapDir != "" {
		s, err := gtidmap.Open(cfg.Binlog.GTIDMapDir)
		if err != nil {
			file.Close()
			return nil, nil, nil, err
		}
		store = s
		closeStore = func() { s.Close() }
	}

	router := binlog.NewRouter(file, store, cfg.Proxy.ServerID)
	router.Strict = cfg.Binlog.Strict

	var master *binlog.Master
	if cfg.Binlog.Master.Host != "" {
		tlsCfg, err := cfg.TLS.ClientTLSConfig()
		if err != nil {
			closeStore()
			file.Close()
			return nil, nil, nil, err
		}
		masterCfg := binlog.MasterConfig{
			Host:              cfg.Binlog.Master.Host,
			Port:              cfg.Binlog.Master.Port,
			User:              cfg.Binlog.Master.User,
			Password:          cfg.Binlog.Master.Password,
			ServerID:          cfg.Proxy.ServerID,
			Heartbeat:         cfg.Binlog.Heartbeat,
			TrxSafe:           cfg.Binlog.Master.TrxSafe,
			UseGTID:           cfg.Binlog.Master.UseGTID,
			SemiSyncRequested: cfg.Binlog.Master.SemiSyncRequested,
			TLS:               tlsCfg,
			BackoffBase:       time.Second,
			BackoffMax:        time.Minute,
		}
		master = binlog.NewMaster(masterCfg, file, worker)
		master.OnEvent = func(protocol.BinlogEventHeader, []byte, bool) {
			router.NotifyReplicas()
		}
		router.Master = master
	}

	return router, master, func() {
		closeStore()
		file.Close()
	}, nil
}

// startMonitor builds and starts a cluster monitor from cfg.Monitor, or
// returns nil if no servers are configured for it to watch. Each
// configured server's initial reachability check runs through a small
// worker pool so a slow/unreachable backend doesn't delay the others at
// startup.
func startMonitor(cfg *config.Config) *monitor.Monitor {
	if len(cfg.Monitor.Servers) == 0 {
		return nil
	}

	mon, err := monitor.New("blrproxy", monitor.Config{
		Interval:           cfg.Monitor.Interval,
		ConnectTimeout:     cfg.Monitor.ConnectTimeout,
		JournalMaxAge:      cfg.Monitor.JournalMaxAge,
		JournalDir:         cfg.Monitor.JournalDir,
		Script:             cfg.Monitor.Script,
		ScriptTimeout:      cfg.Monitor.ScriptTimeout,
		SlowProbeThreshold: cfg.Monitor.SlowQuery.Threshold,
	})
	if err != nil {
		log.Printf("监控初始化失败，跳过: %v", err)
		return nil
	}

	pool, err := workerpool.New(workerpool.Config{
		Size:      cfg.Pool.GoroutinePool.MaxWorkers,
		QueueSize: cfg.Pool.GoroutinePool.QueueSize,
	})
	if err != nil {
		log.Printf("工作池初始化失败，跳过监控: %v", err)
		return nil
	}
	defer pool.Close()

	results := make(chan error, len(cfg.Monitor.Servers))
	for _, s := range cfg.Monitor.Servers {
		s := s
		_, err := pool.Submit(context.Background(), func(ctx context.Context) error {
			conn, dialErr := net.DialTimeout("tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), cfg.Monitor.ConnectTimeout)
			if dialErr == nil {
				conn.Close()
			}
			results <- dialErr
			return dialErr
		})
		if err != nil {
			log.Printf("监控: 提交探测任务失败 %s: %v", s.Name, err)
			continue
		}

		srv := mserver.New(s.Name, mserver.Address{Host: s.Host, Port: s.Port, User: s.User, Password: s.Pass})
		if err := mon.AddServer(srv); err != nil {
			log.Printf("监控: 添加服务器 %s 失败: %v", s.Name, err)
		}
	}
	for range cfg.Monitor.Servers {
		if dialErr := <-results; dialErr != nil {
			log.Printf("监控: 初次探测失败，将在下次 tick 重试: %v", dialErr)
		}
	}

	mon.Start()
	return mon
}

func acceptLoop(ctx context.Context, listener net.Listener, worker *dcb.Worker, cfg *config.Config, router *binlog.Router) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("接受连接失败: %v", err)
				continue
			}
		}

		handler := server.NewClientHandler(cfg.Proxy, router, cfg.Server.ServerVersion)
		d := dcb.New(dcb.RoleClient, conn, handler, nil)
		if err := handler.SendHandshake(d); err != nil {
			log.Printf("发送握手包失败: %v", err)
			conn.Close()
			continue
		}
		if err := worker.Add(d); err != nil {
			log.Printf("注册客户端连接失败: %v", err)
			conn.Close()
		}
	}
}

