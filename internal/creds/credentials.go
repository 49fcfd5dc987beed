// Package creds looks up bucket passphrases from local and remote sources.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrNoPassphrase means a source has no passphrase for the bucket.
var ErrNoPassphrase = errors.New("no passphrase for bucket")

// Credentials is the credentials document, kept in a local file or a secret:
//
//	{"buckets": {"photos": {"passphrase": "..."}}}
//
// A flat {"buckets": {"photos": "..."}} map is accepted as well.
type Credentials struct {
	Buckets json.RawMessage `json:"buckets"`
}

// Parse parses JSON bytes into Credentials.
func Parse(data []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

// LoadFromFile loads Credentials from a local file path.
func LoadFromFile(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Passphrase returns the passphrase for bucket, or "" when there is none.
func (c *Credentials) Passphrase(bucket string) string {
	if len(c.Buckets) == 0 {
		return ""
	}

	var nested map[string]struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(c.Buckets, &nested); err == nil {
		if v, ok := nested[bucket]; ok {
			return v.Passphrase
		}
	}

	var flat map[string]string
	if err := json.Unmarshal(c.Buckets, &flat); err == nil {
		if pw, ok := flat[bucket]; ok {
			return pw
		}
	}
	return ""
}

// SetPassphrase stores passphrase for bucket in the nested format.
func (c *Credentials) SetPassphrase(bucket, passphrase string) error {
	entries := make(map[string]map[string]string)
	if len(c.Buckets) > 0 {
		var flat map[string]string
		if err := json.Unmarshal(c.Buckets, &flat); err == nil {
			for b, pw := range flat {
				entries[b] = map[string]string{"passphrase": pw}
			}
		} else if err := json.Unmarshal(c.Buckets, &entries); err != nil {
			return fmt.Errorf("parse buckets: %w", err)
		}
	}

	entries[bucket] = map[string]string{"passphrase": passphrase}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	c.Buckets = raw
	return nil
}

// SaveToFile writes the document with owner-only permissions.
func (c *Credentials) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}
