package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/openmined/syftbackup/internal/utils"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var errConfigLine = errors.New("invalid config line")

// configEntry is one `key` or `key=value` line of the config file
type configEntry struct {
	line  int
	key   string
	value string
	bare  bool
}

// readConfigFile parses the config file. Blank lines and lines starting with # are ignored.
func readConfigFile(path string) ([]configEntry, error) {
	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	defer file.Close()

	var entries []configEntry
	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseConfigLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		entry.line = n
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return entries, nil
}

func parseConfigLine(line string) (configEntry, error) {
	key, value, hasValue := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !validConfigKey(key) {
		return configEntry{}, fmt.Errorf("%w: %q", errConfigLine, line)
	}
	if !hasValue {
		return configEntry{key: key, bare: true}, nil
	}
	return configEntry{key: key, value: strings.TrimSpace(value)}, nil
}

func validConfigKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "-") {
		return false
	}
	for _, r := range key {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// applyConfigFile turns config file entries into viper defaults for the matching flags,
// so that the environment and the command line still take precedence. Each entry is
// checked the way the flag itself would parse it.
func applyConfigFile(v *viper.Viper, flags *pflag.FlagSet, entries []configEntry) error {
	lists := map[string][]string{}

	for _, e := range entries {
		key := strings.ReplaceAll(e.key, "_", "-")
		flag := flags.Lookup(key)
		if flag == nil || !slices.Contains(configKeys, key) {
			return fmt.Errorf("line %d: unknown option %q", e.line, e.key)
		}

		switch flag.Value.Type() {
		case "bool":
			value := true
			if !e.bare {
				b, err := strconv.ParseBool(e.value)
				if err != nil {
					return fmt.Errorf("line %d: %s expects true or false, got %q", e.line, key, e.value)
				}
				value = b
			}
			v.SetDefault(key, value)
		case "int":
			if e.bare {
				return fmt.Errorf("line %d: %s needs a value", e.line, key)
			}
			n, err := strconv.Atoi(e.value)
			if err != nil {
				return fmt.Errorf("line %d: %s expects a number, got %q", e.line, key, e.value)
			}
			v.SetDefault(key, n)
		case "stringArray":
			if e.bare {
				return fmt.Errorf("line %d: %s needs a value", e.line, key)
			}
			lists[key] = append(lists[key], e.value)
		default:
			if e.bare {
				return fmt.Errorf("line %d: %s needs a value", e.line, key)
			}
			v.SetDefault(key, e.value)
		}
	}

	for key, values := range lists {
		v.SetDefault(key, values)
	}
	return nil
}
