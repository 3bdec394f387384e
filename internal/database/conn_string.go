package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/iot-stream/internal/config"
)

// ApplicationName tags archive sessions in pg_stat_activity.
const ApplicationName = "iot-stream"

// ArchiveDSN builds the postgres:// URL for the archive database. User and
// password are escaped; sslmode falls back to prefer.
func ArchiveDSN(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
