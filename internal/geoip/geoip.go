// Package geoip backs the property resolver's geo-derived properties
// (request.country, request.city, request.asn, ...). The dataset itself is
// an external collaborator; this package only defines the Lookup interface
// and a MaxMind-backed implementation.
package geoip

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Record is the resolved geo information for one IP, carrying exactly the
// fields the property resolver's geo-derived properties need.
type Record struct {
	CountryCode string
	CountryName string
	City        string
	Region      string
	Continent   string
	ASN         int
	Latitude    float64
	Longitude   float64
}

// Lookup resolves one IP to a Record. Miss returns (Record{}, false, nil);
// a malformed IP is the caller's concern (the resolver maps that to
// ParseFailure before ever calling Lookup).
type Lookup interface {
	Lookup(ip netip.Addr) (Record, bool, error)
}

// mmdbCityRecord maps the nested MaxMind GeoLite2-City schema.
type mmdbCityRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// mmdbASNRecord maps the MaxMind GeoLite2-ASN schema.
type mmdbASNRecord struct {
	AutonomousSystemNumber int `maxminddb:"autonomous_system_number"`
}

// MMDBLookup resolves IPs against one or two open MaxMind databases (city
// and, optionally, ASN — the two datasets commonly ship separately).
type MMDBLookup struct {
	city *maxminddb.Reader
	asn  *maxminddb.Reader
}

// OpenMMDB opens the city database at cityPath and, if asnPath is
// non-empty, the ASN database too.
func OpenMMDB(cityPath, asnPath string) (*MMDBLookup, error) {
	city, err := maxminddb.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: open city mmdb: %w", err)
	}
	l := &MMDBLookup{city: city}
	if asnPath != "" {
		asn, err := maxminddb.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("geoip: open asn mmdb: %w", err)
		}
		l.asn = asn
	}
	return l, nil
}

func (l *MMDBLookup) Close() error {
	if l.asn != nil {
		l.asn.Close()
	}
	return l.city.Close()
}

func (l *MMDBLookup) Lookup(ip netip.Addr) (Record, bool, error) {
	var rec mmdbCityRecord
	result := l.city.Lookup(ip)
	if err := result.Err(); err != nil {
		return Record{}, false, fmt.Errorf("geoip: city lookup: %w", err)
	}
	if !result.Found() {
		return Record{}, false, nil
	}
	if err := result.Decode(&rec); err != nil {
		return Record{}, false, fmt.Errorf("geoip: city decode: %w", err)
	}

	out := Record{
		CountryCode: rec.Country.ISOCode,
		CountryName: rec.Country.Names["en"],
		City:        rec.City.Names["en"],
		Continent:   rec.Continent.Code,
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
	}
	if len(rec.Subdivisions) > 0 {
		out.Region = rec.Subdivisions[0].ISOCode
	}

	if l.asn != nil {
		var asnRec mmdbASNRecord
		asnResult := l.asn.Lookup(ip)
		if asnResult.Err() == nil && asnResult.Found() {
			if err := asnResult.Decode(&asnRec); err == nil {
				out.ASN = asnRec.AutonomousSystemNumber
			}
		}
	}
	return out, true, nil
}

// StaticLookup is a fixed-answer Lookup, useful for tests and for
// environments with no mmdb configured.
type StaticLookup struct {
	Record Record
}

func (s StaticLookup) Lookup(netip.Addr) (Record, bool, error) {
	return s.Record, true, nil
}
