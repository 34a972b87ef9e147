package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads a YAML file and overlays it on the default profile.
// Fields absent from the file keep their default values; lists present in the
// file replace the default list entirely.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read scoring profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile overlays YAML data on the default profile and validates it.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse scoring profile: %w", err)
	}
	if p.Name == "" {
		p.Name = DefaultProfileName
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid scoring profile %s: %w", p.ID(), err)
	}
	return p, nil
}
