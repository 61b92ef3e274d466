// Package geoip resolves viewer addresses to a country for regional view
// tallies. A Resolver without a database answers every lookup with "".
package geoip

import (
	"log/slog"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

type Resolver struct {
	db *maxminddb.Reader
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// New opens a GeoLite2/GeoIP2 City or Country database. An empty or unreadable
// path yields a disabled resolver rather than an error so views are still
// counted without regions.
func New(dbPath string) (*Resolver, error) {
	if dbPath == "" {
		return &Resolver{}, nil
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		slog.Warn("geoip: failed to open database, view regions disabled", "path", dbPath, "error", err)
		return &Resolver{}, nil
	}
	slog.Info("geoip: loaded database", "path", dbPath, "type", db.Metadata.DatabaseType)
	return &Resolver{db: db}, nil
}

func (r *Resolver) Enabled() bool {
	return r != nil && r.db != nil
}

// Lookup returns the ISO country code and English city name for addr, which
// may carry a port. Private and unparseable addresses resolve to "".
func (r *Resolver) Lookup(addr string) (country, city string) {
	if !r.Enabled() {
		return "", ""
	}
	ip := parseIP(addr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return "", ""
	}
	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		slog.Debug("geoip: lookup failed", "ip", ip.String(), "error", err)
		return "", ""
	}
	return strings.ToUpper(rec.Country.ISOCode), rec.City.Names["en"]
}

func parseIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(strings.Trim(addr, "[]"))
}

func (r *Resolver) Close() error {
	if r.Enabled() {
		return r.db.Close()
	}
	return nil
}
