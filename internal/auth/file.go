package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 50 * time.Millisecond

// FileStore reads credentials from a YAML file and watches it, so that a
// logout performed elsewhere (file removed or token cleared) reaches every
// subscriber.
type FileStore struct {
	path string

	mu    sync.RWMutex
	creds Credentials
	subs  subscribers

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenFileStore loads path (a missing file means signed out) and starts
// watching its directory.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, done: make(chan struct{})}
	creds, err := readCredentials(path)
	if err != nil {
		return nil, err
	}
	s.creds = creds

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch credentials: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch credentials: %w", err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileStore) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *FileStore) Subscribe(fn func(Credentials)) func() {
	return s.subs.add(fn)
}

// Save writes creds to the file. Subscribers are notified by the watcher.
func (s *FileStore) Save(c Credentials) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Logout removes the credentials file.
func (s *FileStore) Logout() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.reload()
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	name := filepath.Base(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("credentials watch error: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *FileStore) reload() {
	creds, err := readCredentials(s.path)
	if err != nil {
		log.Printf("credentials reload: %v", err)
		return
	}
	s.mu.Lock()
	changed := creds != s.creds
	s.creds = creds
	s.mu.Unlock()
	if changed {
		s.subs.notify(creds)
	}
}

func readCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return c, nil
}
