package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCacheVersion names the cache generation when CACHE_VERSION is unset.
const DefaultCacheVersion = "campusboard-v1.0.0"

// DefaultAssets is the application shell required for offline operation.
var DefaultAssets = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

type Config struct {
	DatabasePath string
	Timezone     *time.Location
	ServerPort   string
	LogLevel     string

	OriginURL    *url.URL
	CacheVersion string
	Assets       []string
	SyncSchedule string

	TelegramToken   string
	OwnerTelegramID int64

	APIUsername     string
	APIPasswordHash string

	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string
	CalDAVCalendar string
	CalDAVSchedule string
}

// assetManifest is the YAML shape of ASSET_MANIFEST.
type assetManifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

func Load() (*Config, error) {
	origin := os.Getenv("ORIGIN_URL")
	if origin == "" {
		return nil, fmt.Errorf("ORIGIN_URL is required")
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("ORIGIN_URL must be an absolute URL")
	}

	var ownerID int64
	if v := os.Getenv("OWNER_TELEGRAM_ID"); v != "" {
		ownerID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("OWNER_TELEGRAM_ID must be a number")
		}
	}

	tz, err := time.LoadLocation(getenv("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	cfg := &Config{
		DatabasePath:    getenv("DATABASE_PATH", "./data/campusboard.db"),
		Timezone:        tz,
		ServerPort:      getenv("SERVER_PORT", "8080"),
		LogLevel:        strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		OriginURL:       originURL,
		CacheVersion:    getenv("CACHE_VERSION", DefaultCacheVersion),
		Assets:          append([]string(nil), DefaultAssets...),
		SyncSchedule:    getenv("SYNC_SCHEDULE", "*/15 * * * *"),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		OwnerTelegramID: ownerID,
		APIUsername:     os.Getenv("API_USERNAME"),
		APIPasswordHash: os.Getenv("API_PASSWORD_HASH"),
		CalDAVURL:       os.Getenv("CALDAV_URL"),
		CalDAVUsername:  os.Getenv("CALDAV_USERNAME"),
		CalDAVPassword:  os.Getenv("CALDAV_PASSWORD"),
		CalDAVCalendar:  os.Getenv("CALDAV_CALENDAR"),
		CalDAVSchedule:  getenv("CALDAV_SCHEDULE", "0 * * * *"),
	}

	if path := os.Getenv("ASSET_MANIFEST"); path != "" {
		if err := cfg.loadManifest(path); err != nil {
			return nil, fmt.Errorf("load asset manifest: %w", err)
		}
	}

	return cfg, nil
}

// loadManifest replaces the asset list (and optionally the cache version)
// with the contents of a YAML manifest file.
func (c *Config) loadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m assetManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m.Assets) == 0 {
		return errors.New("manifest lists no assets")
	}
	for _, a := range m.Assets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("asset %q must be an absolute path", a)
		}
	}
	c.Assets = m.Assets
	if m.Version != "" {
		c.CacheVersion = m.Version
	}
	return nil
}

func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.OwnerTelegramID != 0
}

func (c *Config) APIAuthEnabled() bool {
	return c.APIUsername != "" && c.APIPasswordHash != ""
}

// CalDAVEnabled reports whether a campus calendar should be imported. An
// empty CALDAV_CALENDAR selects the first calendar found.
func (c *Config) CalDAVEnabled() bool {
	return c.CalDAVURL != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
