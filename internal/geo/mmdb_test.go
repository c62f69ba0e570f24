package geo

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/oschwald/geoip2-golang"
)

func TestNewMMDBProvider_MissingFile(t *testing.T) {
	if _, err := NewMMDBProvider(filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")); err == nil {
		t.Error("Expected error opening missing database")
	}
}

func TestMMDBProvider_PrivateAddress(t *testing.T) {
	p := &MMDBProvider{}
	if _, err := p.Lookup(context.Background(), "10.1.2.3"); !errors.Is(err, ErrPrivateAddress) {
		t.Errorf("Lookup() error = %v, want ErrPrivateAddress", err)
	}
}

func TestFromCity(t *testing.T) {
	var record geoip2.City
	record.City.Names = map[string]string{"en": "Berlin", "de": "Berlin"}
	record.Continent.Names = map[string]string{"en": "Europe"}
	record.Country.Names = map[string]string{"en": "Germany"}
	record.Country.IsoCode = "DE"
	record.Location.Latitude = 52.52
	record.Location.Longitude = 13.405
	record.Location.TimeZone = "Europe/Berlin"
	record.Postal.Code = "10115"

	loc := fromCity(&record)
	if loc.City != "Berlin" || loc.Country != "Germany" || loc.CountryCode != "DE" || loc.Continent != "Europe" {
		t.Errorf("Unexpected names: %+v", loc)
	}
	if loc.Location.TimeZone != "Europe/Berlin" || loc.PostalCode != "10115" {
		t.Errorf("Unexpected location: %+v", loc)
	}

	data, err := json.Marshal(loc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := decoded["subdivisions"].([]any); !ok {
		t.Errorf("Expected subdivisions array, got %v", decoded["subdivisions"])
	}
}
