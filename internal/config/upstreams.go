package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegis-gateway/aegis/internal/domain/upstream"
	"github.com/google/uuid"
)

// upstreamsFile is the on-disk shape of the upstream list.
type upstreamsFile struct {
	Upstreams []upstream.Upstream `json:"upstreams" yaml:"upstreams"`
}

// LoadUpstreams reads the upstream list from a YAML or JSON file,
// validates each entry, and rejects duplicate names. Names must be
// unique because they become tool-name prefixes.
func LoadUpstreams(path string) ([]upstream.Upstream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstreams %s: %w", path, err)
	}

	var file upstreamsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("parse upstreams %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Upstreams))
	for i := range file.Upstreams {
		u := &file.Upstreams[i]
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("upstream %d: %w", i, err)
		}
		if seen[u.Name] {
			return nil, fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true
	}
	return file.Upstreams, nil
}
