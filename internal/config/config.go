package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string

	// server side
	LocalHost        string
	LocalPort        int
	DataDir          string
	APIToken         string
	WebUIMode        string
	WebUIDevProxyURL string
	WebUIDistDir     string
	OTLPEndpoint     string

	// viewer side
	ServerURL        string
	PollInterval     time.Duration
	HandshakeTimeout time.Duration
}

var dotenvOnce sync.Once

// LoadConfig reads TASKDECK_* variables. A .env file (or the one named by
// TASKDECK_ENV_FILE) is merged first; variables already set win.
func LoadConfig() Config {
	dotenvOnce.Do(loadDotEnv)
	return loadFromEnv()
}

func loadDotEnv() {
	path := strings.TrimSpace(os.Getenv("TASKDECK_ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func loadFromEnv() Config {
	level := os.Getenv("TASKDECK_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	localHost := os.Getenv("TASKDECK_LOCAL_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	localPort := 0
	if p := os.Getenv("TASKDECK_LOCAL_PORT"); p != "" {
		localPort = atoiOrDefault(p, 0)
	}
	webUIMode := os.Getenv("TASKDECK_WEBUI_MODE")
	if webUIMode == "" {
		webUIMode = "off"
	}
	webUIDevProxyURL := os.Getenv("TASKDECK_WEBUI_DEV_PROXY_URL")
	if webUIDevProxyURL == "" {
		webUIDevProxyURL = "http://127.0.0.1:15173"
	}
	webUIDistDir := os.Getenv("TASKDECK_WEBUI_DIST_DIR")
	if webUIDistDir == "" {
		webUIDistDir = defaultWebUIDistDir()
	}
	serverURL := strings.TrimRight(os.Getenv("TASKDECK_SERVER_URL"), "/")
	if serverURL == "" {
		serverURL = "http://127.0.0.1:4621"
	}

	return Config{
		LogLevel:         level,
		LocalHost:        localHost,
		LocalPort:        localPort,
		DataDir:          strings.TrimSpace(os.Getenv("TASKDECK_DATA_DIR")),
		APIToken:         strings.TrimSpace(os.Getenv("TASKDECK_API_TOKEN")),
		WebUIMode:        webUIMode,
		WebUIDevProxyURL: webUIDevProxyURL,
		WebUIDistDir:     webUIDistDir,
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("TASKDECK_OTLP_ENDPOINT")),
		ServerURL:        serverURL,
		PollInterval:     time.Duration(atoiOrDefault(os.Getenv("TASKDECK_POLL_INTERVAL_SECONDS"), 0)) * time.Second,
		HandshakeTimeout: time.Duration(atoiOrDefault(os.Getenv("TASKDECK_HANDSHAKE_TIMEOUT_SECONDS"), 10)) * time.Second,
	}
}

func defaultWebUIDistDir() string {
	execPath, err := os.Executable()
	if err != nil || execPath == "" {
		return filepath.Clean("webui/dist")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(execPath), "..", "webui", "dist"))
}

func atoiOrDefault(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
