package enrich

import "strings"

// Location is resolved geographic context for an IP address.
type Location struct {
	Country string
	City    string
	ISP     string
}

// GeoResolver maps an IP address to geographic context.
type GeoResolver interface {
	Resolve(ip string) (Location, bool)
}

// StaticGeoResolver classifies RFC 1918 space as internal, maps
// well-known public resolver ranges, and labels everything else
// unknown. It stands in until a real GeoIP database is wired up.
type StaticGeoResolver struct{}

func (StaticGeoResolver) Resolve(ip string) (Location, bool) {
	if ip == "" {
		return Location{}, false
	}
	if strings.HasPrefix(ip, "192.168.") || strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "172.") {
		return Location{Country: "Local", City: "Internal", ISP: "Internal"}, true
	}
	if strings.HasPrefix(ip, "8.8.8.") || strings.HasPrefix(ip, "8.8.4.") {
		return Location{Country: "US", City: "Mountain View", ISP: "Google"}, true
	}
	return Location{Country: "Unknown", City: "Unknown", ISP: "Unknown"}, true
}
