package proxy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadFile reads a proxy list, one address per line.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	proxies, err := ParseList(f)
	if err != nil {
		return nil, fmt.Errorf("read proxy file %s: %w", path, err)
	}
	return proxies, nil
}

// ParseList parses newline separated proxy addresses. Blank lines and lines
// starting with # are ignored; a malformed address fails the whole list.
func ParseList(r io.Reader) ([]string, error) {
	var proxies []string
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		addr, err := Normalize(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		proxies = append(proxies, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return proxies, nil
}
