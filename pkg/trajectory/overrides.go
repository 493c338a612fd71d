package trajectory

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var overridesMu sync.RWMutex

// actionMapFile is the shape of a YAML action-map override file: friendly
// keycode names and app names mapped to the strings step execution sends
// to the device bridge.
type actionMapFile struct {
	Keycodes map[string]string `yaml:"keycodes"`
	Apps     map[string]string `yaml:"apps"`
}

// LoadActionMapOverrides reads a YAML file of keycode and app-activity
// overrides and merges them into the built-in maps. Entries in the file
// take precedence over the built-in defaults; the built-ins remain in
// place for names the file doesn't mention.
func LoadActionMapOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading action map %s: %w", path, err)
	}

	var f actionMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing action map %s: %w", path, err)
	}

	overridesMu.Lock()
	defer overridesMu.Unlock()

	for name, code := range f.Keycodes {
		keycodeMap[strings.ToLower(name)] = code
	}
	for name, activity := range f.Apps {
		appActivityMap[strings.ToLower(name)] = activity
	}
	return nil
}
