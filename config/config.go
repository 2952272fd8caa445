package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the persisted configuration record. A loaded Settings value is
// treated as an immutable snapshot: the daemon replaces it wholesale on each
// config change and never mutates a published copy in place.
type Settings struct {
	Blur      int     `json:"blur"`      // Gaussian kernel size, forced odd
	Threshold float64 `json:"threshold"` // foreground sensitivity, 0-1
	Input     int     `json:"input"`     // capture device index
	Output    string  `json:"output"`    // virtual camera device path
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FPS       int     `json:"fps"`
}

// Defaults returns the built-in settings used when no config file exists.
func Defaults() Settings {
	return Settings{
		Blur:      35,
		Threshold: 0.5,
		Input:     0,
		Output:    "/dev/video10",
		Width:     640,
		Height:    480,
		FPS:       30,
	}
}

// Normalize clamps a settings record to usable values: the blur kernel must
// be a positive odd integer and the threshold must stay within [0, 1].
func (s Settings) Normalize() Settings {
	if s.Blur < 1 {
		s.Blur = 1
	}
	if s.Blur%2 == 0 {
		s.Blur++
	}
	if s.Threshold < 0 {
		s.Threshold = 0
	}
	if s.Threshold > 1 {
		s.Threshold = 1
	}
	if s.FPS <= 0 {
		s.FPS = Defaults().FPS
	}
	if s.Width <= 0 || s.Height <= 0 {
		s.Width = Defaults().Width
		s.Height = Defaults().Height
	}
	return s
}

// Dir returns the config directory, honoring XDG_CONFIG_HOME.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blurcam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "blurcam")
	}
	return filepath.Join(home, ".config", "blurcam")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the config file, merging persisted values over the defaults.
// A missing or unparseable file yields the defaults; Load never fails the
// caller for a bad file on disk.
func Load() Settings {
	return LoadFile(Path())
}

// LoadFile is Load with an explicit path, used by tests and the watcher.
func LoadFile(path string) Settings {
	s := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return s.Normalize()
	}
	// Unmarshal over the defaults so missing keys keep their default values.
	if err := json.Unmarshal(data, &s); err != nil {
		return Defaults().Normalize()
	}
	return s.Normalize()
}

// Save writes the settings to the config file, creating the directory if
// needed.
func Save(s Settings) error {
	return SaveFile(Path(), s)
}

// SaveFile is Save with an explicit path.
func SaveFile(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ModMarker returns a monotonically comparable modification marker for the
// config file (mtime in nanoseconds), or 0 if the file does not exist.
func ModMarker(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
