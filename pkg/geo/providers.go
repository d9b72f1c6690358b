// Package geo - Lookup provider implementations
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindProvider resolves addresses against a local GeoLite2 City database.
// Cheapest provider, so it goes first in the chain.
type MaxMindProvider struct {
	reader *geoip2.Reader
}

// NewMaxMindProvider opens the database at path.
func NewMaxMindProvider(path string) (*MaxMindProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

func (p *MaxMindProvider) Name() string { return "maxmind" }

func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (*Result, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	record, err := p.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("GeoIP lookup failed: %w", err)
	}

	country := record.Country.Names["en"]
	if country == "" {
		return nil, fmt.Errorf("no country data for %s", ip)
	}

	result := &Result{
		Country:     country,
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		result.Region = record.Subdivisions[0].Names["en"]
	}
	return result, nil
}

// Close releases the database handle.
func (p *MaxMindProvider) Close() error {
	return p.reader.Close()
}

// IPAPIProvider queries ip-api.com. Free tier, HTTP only.
type IPAPIProvider struct {
	client  *http.Client
	baseURL string
}

// NewIPAPIProvider creates an ip-api.com provider. An empty baseURL selects
// the public endpoint; tests point it at a local server.
func NewIPAPIProvider(client *http.Client, baseURL string) *IPAPIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	return &IPAPIProvider{client: client, baseURL: baseURL}
}

func (p *IPAPIProvider) Name() string { return "ip-api" }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Result, error) {
	url := fmt.Sprintf("%s/%s?fields=status,country,countryCode,regionName,city,lat,lon,isp,org,proxy,hosting", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ip-api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}

	var body struct {
		Status      string  `json:"status"`
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		RegionName  string  `json:"regionName"`
		City        string  `json:"city"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
		ISP         string  `json:"isp"`
		Org         string  `json:"org"`
		Proxy       bool    `json:"proxy"`
		Hosting     bool    `json:"hosting"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode ip-api response: %w", err)
	}

	if body.Status != "success" || body.Country == "" {
		return nil, fmt.Errorf("ip-api lookup unsuccessful for %s", ip)
	}

	return &Result{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		ISP:         body.ISP,
		Org:         body.Org,
		VPN:         body.Proxy || body.Hosting,
	}, nil
}

// IPWhoisProvider queries ipwho.is as the last chain member.
type IPWhoisProvider struct {
	client  *http.Client
	baseURL string
}

// NewIPWhoisProvider creates an ipwho.is provider.
func NewIPWhoisProvider(client *http.Client, baseURL string) *IPWhoisProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = "https://ipwho.is"
	}
	return &IPWhoisProvider{client: client, baseURL: baseURL}
}

func (p *IPWhoisProvider) Name() string { return "ipwhois" }

func (p *IPWhoisProvider) Lookup(ctx context.Context, ip string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+ip, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipwho.is request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipwho.is returned status %d", resp.StatusCode)
	}

	var body struct {
		Success     bool    `json:"success"`
		Country     string  `json:"country"`
		CountryCode string  `json:"country_code"`
		Region      string  `json:"region"`
		City        string  `json:"city"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		Connection  struct {
			ISP string `json:"isp"`
			Org string `json:"org"`
		} `json:"connection"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode ipwho.is response: %w", err)
	}

	if !body.Success || body.Country == "" {
		return nil, fmt.Errorf("ipwho.is lookup unsuccessful for %s", ip)
	}

	return &Result{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.Region,
		City:        body.City,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		ISP:         body.Connection.ISP,
		Org:         body.Connection.Org,
	}, nil
}

// BuildProviderChain assembles the default chain: local MaxMind database
// when configured, then the HTTP services in order.
func BuildProviderChain(config Config, client *http.Client) ([]Provider, error) {
	var providers []Provider
	if config.GeoIPDatabasePath != "" {
		mm, err := NewMaxMindProvider(config.GeoIPDatabasePath)
		if err != nil {
			return nil, err
		}
		providers = append(providers, mm)
	}
	providers = append(providers,
		NewIPAPIProvider(client, ""),
		NewIPWhoisProvider(client, ""),
	)
	return providers, nil
}
