package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Location is the English-names document produced from MMDB city records.
type Location struct {
	City        string        `json:"city,omitempty"`
	Continent   string        `json:"continent,omitempty"`
	Country     string        `json:"country,omitempty"`
	CountryCode string        `json:"country_code,omitempty"`
	Location    Coordinates   `json:"location"`
	PostalCode  string        `json:"postal_code,omitempty"`
	Subdivision []Subdivision `json:"subdivisions"`
}

// Coordinates holds the position fields of a Location.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	TimeZone  string  `json:"time_zone,omitempty"`
}

// Subdivision is one region level (state, province) of a Location.
type Subdivision struct {
	GeoNameID uint   `json:"geoname_id"`
	Name      string `json:"name,omitempty"`
	IsoCode   string `json:"iso_code,omitempty"`
}

// ErrNotFound is returned when an address has no usable database record.
var ErrNotFound = errors.New("geo: address not found")

// MMDBProvider resolves addresses from a local MaxMind-format database
// (GeoLite2 City, DB-IP City Lite, ...).
type MMDBProvider struct {
	db *geoip2.Reader
}

// NewMMDBProvider opens the database at path.
func NewMMDBProvider(path string) (*MMDBProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb %s: %w", path, err)
	}
	return &MMDBProvider{db: db}, nil
}

// Close releases the database.
func (p *MMDBProvider) Close() error {
	return p.db.Close()
}

// Lookup reads the city record for ip.
func (p *MMDBProvider) Lookup(_ context.Context, ip string) (json.RawMessage, error) {
	if !isPublicIP(ip) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}

	record, err := p.db.City(net.ParseIP(ip))
	if err != nil {
		return nil, fmt.Errorf("mmdb lookup failed: %w", err)
	}

	loc := fromCity(record)
	if loc.CountryCode == "" && loc.City == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ip)
	}

	return json.Marshal(loc)
}

func fromCity(record *geoip2.City) Location {
	loc := Location{
		City:        record.City.Names["en"],
		Continent:   record.Continent.Names["en"],
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		Location: Coordinates{
			Latitude:  record.Location.Latitude,
			Longitude: record.Location.Longitude,
			TimeZone:  record.Location.TimeZone,
		},
		PostalCode:  record.Postal.Code,
		Subdivision: make([]Subdivision, 0, len(record.Subdivisions)),
	}

	for _, sub := range record.Subdivisions {
		loc.Subdivision = append(loc.Subdivision, Subdivision{
			GeoNameID: sub.GeoNameID,
			Name:      sub.Names["en"],
			IsoCode:   sub.IsoCode,
		})
	}

	return loc
}
