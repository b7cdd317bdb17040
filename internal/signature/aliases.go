package signature

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAliases reads alias overrides from a YAML file of the form
//
//	source_ip: [source_ip, src_ip, source.ip]
//	destination_ip: [destination_ip, dest_ip]
//	hostname: [hostname, host.name]
//
// Fields missing from the file are left empty; NewExtractor fills them with
// their defaults.
func LoadAliases(path string) (Aliases, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Aliases{}, fmt.Errorf("read aliases: %w", err)
	}
	return ParseAliases(data)
}

// ParseAliases decodes YAML alias overrides. Invalid paths are reported in
// field order.
func ParseAliases(data []byte) (Aliases, error) {
	var a Aliases
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Aliases{}, fmt.Errorf("parse aliases: %w", err)
	}

	fields := []struct {
		name  string
		paths []string
	}{
		{"source_ip", a.SourceIP},
		{"destination_ip", a.DestinationIP},
		{"hostname", a.Hostname},
	}
	var errs []error
	for _, f := range fields {
		for _, p := range f.paths {
			if strings.TrimSpace(p) == "" || strings.HasPrefix(p, ".") || strings.HasSuffix(p, ".") || strings.Contains(p, "..") {
				errs = append(errs, fmt.Errorf("%s: invalid alias path %q", f.name, p))
			}
		}
	}
	if len(errs) > 0 {
		return Aliases{}, errors.Join(errs...)
	}
	return a, nil
}
