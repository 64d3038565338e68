package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseINI reads the line-oriented configuration format:
//
//	# comment
//	[proxy_settings]
//	listen_port = 8080
//
//	[example.com]
//	endpoint_host = 10.0.0.5
//	endpoint_port = 9000
//
// Keys outside any section belong to proxy_settings. A section that repeats
// an earlier rule name replaces it.
func ParseINI(r io.Reader) (*Config, error) {
	cfg := Default()

	var current *Rule
	flush := func() {
		if current != nil {
			cfg.Rules[current.Host] = *current
		}
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				continue
			}
			flush()
			name := line[1:end]
			if name == GlobalSection {
				current = nil
			} else {
				current = &Rule{Host: name}
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		if current != nil {
			err = setRule(current, key, value)
		} else {
			err = cfg.setGlobal(key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	flush()

	return cfg, nil
}
