package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/session-gateway/internal/credential"
)

type credentialsFile struct {
	Credentials []credential.Credential `yaml:"credentials"`
}

// LoadCredentials reads the credentials file (when set) followed by the
// inline CREDENTIALS list. Later duplicates of an ID are dropped.
func (c *Config) LoadCredentials() ([]credential.Credential, error) {
	var creds []credential.Credential
	if c.CredentialsFile != "" {
		fromFile, err := ReadCredentialsFile(c.CredentialsFile)
		if err != nil {
			return nil, err
		}
		creds = append(creds, fromFile...)
	}
	inline, err := ParseCredentials(c.Credentials)
	if err != nil {
		return nil, err
	}
	creds = append(creds, inline...)

	seen := make(map[string]struct{}, len(creds))
	out := creds[:0]
	for _, cred := range creds {
		if _, ok := seen[cred.ID]; ok {
			continue
		}
		seen[cred.ID] = struct{}{}
		out = append(out, cred)
	}
	return out, nil
}

func ReadCredentialsFile(path string) ([]credential.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var f credentialsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	for i, cred := range f.Credentials {
		if cred.ID == "" || cred.Secret == "" {
			return nil, fmt.Errorf("credentials file: entry %d needs id and secret", i)
		}
	}
	return f.Credentials, nil
}

// ParseCredentials parses "id:secret[:org],...".
func ParseCredentials(s string) ([]credential.Credential, error) {
	var out []credential.Credential
	for _, item := range splitList(s) {
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid CREDENTIALS entry %q: want id:secret[:org]", redact(item))
		}
		cred := credential.Credential{ID: parts[0], Secret: parts[1]}
		if len(parts) == 3 {
			cred.OrgID = parts[2]
		}
		out = append(out, cred)
	}
	return out, nil
}

func redact(item string) string {
	id, _, _ := strings.Cut(item, ":")
	return id + ":***"
}

// WatchCredentials re-reads path whenever it changes and passes the parsed
// credentials to onChange. It returns when ctx is done.
func WatchCredentials(ctx context.Context, path string, onChange func([]credential.Credential)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch credentials dir: %w", err)
	}
	target := filepath.Clean(path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			creds, err := ReadCredentialsFile(path)
			if err != nil {
				log.WithError(err).Warn("credentials reload failed")
				continue
			}
			onChange(creds)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("credentials watcher error")
		}
	}
}
