package iam

import (
	"bufio"
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
)

// HtpasswdProvider verifies credentials against an Apache htpasswd file.
// bcrypt and {SHA} entries are supported. The file is re-read when its
// modification time changes.
type HtpasswdProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	entries map[string]string
}

// NewHtpasswdProvider reads path once to fail fast on a missing file.
func NewHtpasswdProvider(path string) (*HtpasswdProvider, error) {
	p := &HtpasswdProvider{path: path}
	if _, err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *HtpasswdProvider) AuthMethod() AuthMethod          { return MethodCredentials }
func (p *HtpasswdProvider) AccountType() string             { return models.AccountHtpasswd }
func (p *HtpasswdProvider) SupportsCredentialChanges() bool { return false }
func (p *HtpasswdProvider) SupportsRoleChanges() bool       { return true }

// Verify checks secret against username's entry.
func (p *HtpasswdProvider) Verify(_ context.Context, username, secret string) (*Identity, error) {
	entries, err := p.load()
	if err != nil {
		return nil, err
	}
	hash, ok := entries[strings.ToLower(username)]
	if !ok {
		return nil, nil
	}
	if !matchHtpasswd(hash, secret) {
		return nil, errors.New("secret mismatch")
	}
	return &Identity{Username: strings.ToLower(username), Provision: true}, nil
}

func (p *HtpasswdProvider) load() (map[string]string, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("stat htpasswd file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries != nil && info.ModTime().Equal(p.modTime) {
		return p.entries, nil
	}

	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open htpasswd file: %w", err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			continue
		}
		entries[strings.ToLower(user)] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read htpasswd file: %w", err)
	}

	p.entries, p.modTime = entries, info.ModTime()
	return entries, nil
}

func matchHtpasswd(hash, secret string) bool {
	switch {
	case strings.HasPrefix(hash, "$2y$"), strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
	case strings.HasPrefix(hash, "{SHA}"):
		sum := sha1.Sum([]byte(secret))
		want := base64.StdEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(hash[len("{SHA}"):]), []byte(want)) == 1
	default:
		return false
	}
}
