package policy

import "fmt"

// ProfileConfig is a user-authored named starting-point domain with a
// command template, decoded directly from a profile TOML file.
type ProfileConfig struct {
	Name string    `toml:"name"`
	FS   FsConfig  `toml:"fs"`
	Run  RunConfig `toml:"run"`
}

type FsConfig struct {
	Bind []BindConfig `toml:"bind"`
}

type BindConfig struct {
	Path  string `toml:"path"`
	Write *bool  `toml:"write"`
}

type RunConfig struct {
	Cmd []string `toml:"cmd"`
}

// accesses converts the bind configuration into FileAccess entries: a
// read entry always, plus a write entry when write=true.
func (f FsConfig) accesses() []FileAccess {
	var out []FileAccess
	for _, b := range f.Bind {
		out = append(out, FileAccess{Path: b.Path, Write: false})
		if b.Write != nil && *b.Write {
			out = append(out, FileAccess{Path: b.Path, Write: true})
		}
	}
	return out
}

// Validate enforces that every bind path is absolute: a profile with
// a relative bind path fails to load.
func (p ProfileConfig) Validate() error {
	for _, b := range p.FS.Bind {
		if len(b.Path) == 0 || b.Path[0] != '/' {
			return fmt.Errorf("profile %q: bind path %q is not absolute", p.Name, b.Path)
		}
	}
	return nil
}

// Portal is the loaded set of profiles. Its String() produces the
// startup log line "Loaded configuration: profiles: [...]".
type Portal struct {
	configs []ProfileConfig
}

func NewPortalConfig(configs []ProfileConfig) *Portal {
	return &Portal{configs: configs}
}

func (p *Portal) Profile(name string) (*ProfileConfig, bool) {
	for i := range p.configs {
		if p.configs[i].Name == name {
			return &p.configs[i], true
		}
	}
	return nil, false
}

func (p *Portal) String() string {
	names := make([]string, len(p.configs))
	for i, c := range p.configs {
		names[i] = c.Name
	}
	return fmt.Sprintf("profiles: %v", names)
}
