package route53

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is one record set to upsert into every selected zone
type Record struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	TTL    int64    `yaml:"ttl"`
	Values []string `yaml:"values"`
}

// LoadRecords reads a YAML list of record sets
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}

	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records file: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("records file %s contains no records", path)
	}

	for i, r := range records {
		if r.Type == "" {
			return nil, fmt.Errorf("record %d: type is required", i)
		}
		if r.TTL <= 0 {
			return nil, fmt.Errorf("record %d: ttl must be positive", i)
		}
		if len(r.Values) == 0 {
			return nil, fmt.Errorf("record %d: at least one value is required", i)
		}
		records[i].Type = strings.ToUpper(r.Type)
	}
	return records, nil
}

// LoadZones reads one zone name per line. Blank lines and lines starting
// with # are ignored.
func LoadZones(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}
	defer f.Close()

	var zones []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		zones = append(zones, canonical(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}
	return zones, nil
}

// canonical lowercases a DNS name and adds the trailing dot Route53 reports
func canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// qualify resolves a record name against zone. "" and "@" are the apex,
// names ending in a dot are already absolute.
func qualify(name, zone string) string {
	switch {
	case name == "" || name == "@":
		return zone
	case strings.HasSuffix(name, "."):
		return name
	default:
		return name + "." + zone
	}
}
