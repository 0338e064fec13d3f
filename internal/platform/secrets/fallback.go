package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// fallbackFile holds secrets read from a local KEY=VALUE file. Keys are secret references,
// optionally carrying ?version=N.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference, version string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[cacheKey(ref.canonical, version)]; ok {
		return value, true, nil
	}
	value, ok := f.values[ref.canonical]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if strings.TrimSpace(f.path) == "" {
		return
	}
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
		}
		return
	}
	defer file.Close()

	values, err := parseFallback(file)
	if err != nil {
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
		return
	}
	f.values = values
}

func parseFallback(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		version := ref.version
		if version == "" {
			version = latestVersion
			values[ref.canonical] = value
		}
		values[cacheKey(ref.canonical, version)] = value
	}
	return values, scanner.Err()
}
