package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and optionally hot-reloads persona specs from YAML files.
type Loader struct {
	dir string

	mu       sync.RWMutex
	personas map[string]*Spec
}

// NewLoader creates a persona loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:      dir,
		personas: make(map[string]*Spec),
	}
}

// LoadAll loads all .yaml and .yml files from the configured directory.
func (l *Loader) LoadAll() (map[string]*Spec, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir %q: %w", l.dir, err)
	}

	result := make(map[string]*Spec)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		spec, err := l.loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		result[spec.Name] = spec
	}

	l.mu.Lock()
	l.personas = result
	l.mu.Unlock()

	return result, nil
}

// Get returns a loaded persona by name.
func (l *Loader) Get(name string) (*Spec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	spec, ok := l.personas[name]
	return spec, ok
}

// All returns all loaded personas.
func (l *Loader) All() map[string]*Spec {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make(map[string]*Spec, len(l.personas))
	for k, v := range l.personas {
		result[k] = v
	}
	return result
}

func (l *Loader) loadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if spec.Name == "" {
		spec.Name = filepath.Base(path)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// WatchAndReload starts watching the persona directory for changes and
// reloads. This blocks until the done channel is closed.
func (l *Loader) WatchAndReload(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				ext := filepath.Ext(event.Name)
				if ext == ".yaml" || ext == ".yml" {
					l.LoadAll()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
