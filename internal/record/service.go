package record

import (
	"fmt"
	"strings"
)

// Service is an access protocol a replica may expose.
type Service int

const (
	ServiceHTTPServer Service = iota
	ServiceOPeNDAP
	ServiceGridFTP
	ServiceLAS
	ServiceCatalog
	ServiceSRM

	numServices
)

var serviceNames = [numServices]string{
	ServiceHTTPServer: "HTTPSERVER",
	ServiceOPeNDAP:    "OPENDAP",
	ServiceGridFTP:    "GRIDFTP",
	ServiceLAS:        "LAS",
	ServiceCatalog:    "CATALOG",
	ServiceSRM:        "SRM",
}

// serviceAliases maps lowercase tags seen in grid url fields to services.
// Several historical spellings exist per service.
var serviceAliases = map[string]Service{
	"httpserver":   ServiceHTTPServer,
	"http":         ServiceHTTPServer,
	"http_server":  ServiceHTTPServer,
	"https":        ServiceHTTPServer,
	"opendap":      ServiceOPeNDAP,
	"opendap-tds":  ServiceOPeNDAP,
	"opendap_tds":  ServiceOPeNDAP,
	"dods":         ServiceOPeNDAP,
	"gridftp":      ServiceGridFTP,
	"gsiftp":       ServiceGridFTP,
	"globus":       ServiceGridFTP,
	"las":          ServiceLAS,
	"catalog":      ServiceCatalog,
	"thredds":      ServiceCatalog,
	"tds":          ServiceCatalog,
	"srm":          ServiceSRM,
}

// String returns the canonical service name.
func (s Service) String() string {
	if s < 0 || s >= numServices {
		return fmt.Sprintf("service(%d)", int(s))
	}
	return serviceNames[s]
}

// ParseService resolves a service tag case-insensitively, accepting every
// known alias.
func ParseService(tag string) (Service, bool) {
	s, ok := serviceAliases[strings.ToLower(strings.TrimSpace(tag))]
	return s, ok
}

// AllServices returns every service in declaration order.
func AllServices() []Service {
	out := make([]Service, numServices)
	for i := range out {
		out[i] = Service(i)
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (s Service) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Service) UnmarshalText(b []byte) error {
	v, ok := ParseService(string(b))
	if !ok {
		return fmt.Errorf("unknown service %q", b)
	}
	*s = v
	return nil
}

// ParseURLField splits a grid url entry of the form "url|...|SERVICE_TAG".
// The url is the first element and the tag the last. ok is false when the
// entry is malformed or the tag names no known service.
func ParseURLField(field string) (url string, svc Service, ok bool) {
	parts := strings.Split(field, "|")
	if len(parts) < 2 {
		return "", 0, false
	}
	url = strings.TrimSpace(parts[0])
	if url == "" {
		return "", 0, false
	}
	svc, ok = ParseService(parts[len(parts)-1])
	if !ok {
		return "", 0, false
	}
	return url, svc, true
}

// ServicesFromMetadata parses every url field of m, skipping unrecognized
// service tags.
func ServicesFromMetadata(m Metadata) map[Service]string {
	out := make(map[Service]string)
	for _, field := range m.Strings(KeyURL) {
		url, svc, ok := ParseURLField(field)
		if !ok {
			continue
		}
		if _, dup := out[svc]; !dup {
			out[svc] = url
		}
	}
	return out
}
