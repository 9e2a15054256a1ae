package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path. Blank lines and lines
// starting with # are ignored, as are surrounding quotes on values. A
// missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out, nil // not fatal if missing
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out[k] = v
		}
	}
	return out, s.Err()
}
