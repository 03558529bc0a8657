package chatclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Prefs is the session-spanning client preference store — the local
// storage equivalent. One flag today: sound notifications, default
// enabled. Persisted as JSON under the user's config directory; a
// missing or unreadable file just yields the defaults.
type Prefs struct {
	mu   sync.Mutex
	path string

	data prefsData
}

type prefsData struct {
	SoundEnabled bool `json:"sound_enabled"`
}

// LoadPrefs reads the preference file at path, falling back to
// defaults when it doesn't exist or doesn't parse.
func LoadPrefs(path string) *Prefs {
	p := &Prefs{
		path: path,
		data: prefsData{SoundEnabled: true},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return p
	}
	var data prefsData
	if err := json.Unmarshal(raw, &data); err != nil {
		return p
	}
	p.data = data
	return p
}

// DefaultPrefsPath is where LoadPrefs stores preferences when the
// caller has no better idea: <user config dir>/opschat/prefs.json.
func DefaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "opschat-prefs.json"
	}
	return filepath.Join(dir, "opschat", "prefs.json")
}

func (p *Prefs) SoundEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.SoundEnabled
}

// SetSoundEnabled updates and persists the flag. Persistence is best
// effort: a write failure keeps the in-memory value for this session.
func (p *Prefs) SetSoundEnabled(enabled bool) {
	p.mu.Lock()
	p.data.SoundEnabled = enabled
	data, err := json.Marshal(p.data)
	path := p.path
	p.mu.Unlock()

	if err != nil || path == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, data, 0o644)
}
