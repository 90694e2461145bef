package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"relaychat/config"
	"relaychat/db"
	"relaychat/files"
	"relaychat/security"
	"relaychat/server"
	"relaychat/store"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	cfg      *config.Config
	srv      *server.Server
	http     *http.Server
	database *db.DB

	stopOnce sync.Once
}

func main() {
	configPath := flag.String("config", "relaychat.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	server.SetDebug(cfg.Log.Debug)

	dsn := cfg.Database.Path
	if cfg.Database.Driver == db.DriverPostgres {
		dsn = cfg.Database.URL
	}
	database, err := db.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	cipher, err := security.NewCipher(cfg.Security.SecretKey)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}
	if cfg.Security.SecretKey == config.Default().Security.SecretKey {
		log.Printf("WARNING: using the default secret key, set security.secret_key")
	}

	fileStore, err := files.NewStore(cfg.Files.UploadDir, cfg.Files.MaxFileBytes)
	if err != nil {
		log.Fatalf("Failed to initialize upload dir: %v", err)
	}

	srvConfig := &server.ServerConfig{
		Port:                cfg.Server.TCPPort,
		ReadTimeout:         time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:        time.Duration(cfg.Server.WriteTimeout) * time.Second,
		SendQueueSize:       cfg.Server.SendQueueSize,
		MaxLineBytes:        cfg.MaxLineBytes(),
		BroadcastEnabled:    cfg.Routing.BroadcastEnabled,
		PersistBroadcast:    cfg.Routing.PersistBroadcast,
		HistoryDefaultLimit: cfg.Routing.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.Routing.HistoryMaxLimit,
	}

	srv := server.New(server.Dependencies{
		Directory: database,
		Archive:   store.New(database, cipher),
		Passwords: security.NewPasswords(cfg.Security.BcryptCost),
		Files:     fileStore,
	}, srvConfig)

	a := &app{cfg: cfg, srv: srv, database: database}

	if cfg.Server.HTTPPort > 0 {
		a.http = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP listening on %s (/ws, /health, /metrics)", a.http.Addr)
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// Start control socket for management commands
	if cfg.Server.ControlSocket != "" {
		go a.startControlSocket()
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		a.stop("maintenance")
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
	// Start returns nil only once shutdown has begun; wait for it to finish.
	a.stop("maintenance")
}

// stop drains the chat server, the HTTP listener and the database once.
func (a *app) stop(reason string) {
	a.stopOnce.Do(func() {
		a.srv.Shutdown(reason, shutdownTimeout)

		if a.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.http.Shutdown(ctx); err != nil {
				log.Printf("HTTP shutdown error: %v", err)
			}
			cancel()
		}

		if err := a.database.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}
		if a.cfg.Server.ControlSocket != "" {
			os.Remove(a.cfg.Server.ControlSocket)
		}
	})
}

func (a *app) startControlSocket() {
	path := a.cfg.Server.ControlSocket

	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go a.handleControlCommand(conn)
	}
}

func (a *app) handleControlCommand(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + a.srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s", reason)
		a.stop(reason)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
