package stack

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// composeFiles are the file names docker compose looks for, in order.
var composeFiles = []string{"compose.yaml", "compose.yml", "docker-compose.yml", "docker-compose.yaml"}

var projectNameInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)

// ProjectName derives the compose project name from the project directory
// the way docker compose does.
func ProjectName(dir string) string {
	name := strings.ToLower(filepath.Base(filepath.Clean(dir)))
	name = projectNameInvalid.ReplaceAllString(name, "")
	return strings.TrimLeft(name, "_-")
}

type composeFile struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// FindComposeFile returns the compose file in dir.
func FindComposeFile(fs afero.Fs, dir string) (string, error) {
	for _, name := range composeFiles {
		path := filepath.Join(dir, name)
		if _, err := fs.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("no compose file in %s", dir)
}

// ServiceNames returns the sorted service names declared in a compose file.
func ServiceNames(fs afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	names := make([]string, 0, len(cf.Services))
	for name := range cf.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
