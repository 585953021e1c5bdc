package config

import "os"

// Env holds the handful of process-level inputs spec §6 allows outside
// the settings store: the database path, HTTP bind address, and the
// downloader's base URL/API key. The URL and key are read once at startup
// and passed straight to the downloader client; they are not stored in the
// settings store and a change takes effect only after a restart.
type Env struct {
	DatabasePath    string
	DataDir         string
	BindAddress     string
	DownloaderURL   string
	DownloaderToken string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoadEnv reads process configuration from the environment, following the
// teacher's typed-default-getter style.
func LoadEnv() Env {
	return Env{
		DatabasePath:    getenv("SOULSPOT_DB_PATH", "soulspot.db"),
		DataDir:         getenv("SOULSPOT_DATA_DIR", "."),
		BindAddress:     getenv("SOULSPOT_BIND_ADDR", "127.0.0.1:8787"),
		DownloaderURL:   getenv("SOULSPOT_SLSKD_URL", "http://127.0.0.1:5030"),
		DownloaderToken: getenv("SOULSPOT_SLSKD_TOKEN", ""),
	}
}
