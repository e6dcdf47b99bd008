// Package session keeps the auth token issued by the tracking backend.
package session

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

// TokenKey is the only key persisted by File.
const TokenKey = "auth_token"

// Session provides bearer token for authenticated calls.
type Session interface {
	Token() string
	SetToken(token string) error
}

// Memory keeps token for the process lifetime.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory creates session with initial token, which may be empty.
func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.token
}

func (m *Memory) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = token

	return nil
}

// File keeps token in a json file like {"auth_token":"..."}.
type File struct {
	path string

	mu    sync.RWMutex
	token string
}

// OpenFile reads token from path. Missing file means empty session.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}

	data, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var stored map[string]string
	err = json.Unmarshal(data, &stored)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling session file: %w", err)
	}

	f.token = stored[TokenKey]

	return f, nil
}

func (f *File) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.token
}

// SetToken writes token through to disk. Empty token removes the file.
func (f *File) SetToken(token string) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if token == "" {
		err = os.Remove(f.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing session file: %w", err)
		}

		f.token = ""

		return nil
	}

	data, err := json.Marshal(map[string]string{TokenKey: token})
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(f.path), 0700)
	if err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	tmp := f.path + ".tmp"
	err = ioutil.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	err = os.Rename(tmp, f.path)
	if err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}

	f.token = token

	return nil
}
