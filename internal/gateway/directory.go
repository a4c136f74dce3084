package gateway

import (
	"fmt"
	"strings"
)

// Directory holds the configured, ready-to-use gateway clients and their webhook secrets.
type Directory struct {
	clients     map[string]Client
	secrets     map[string][]byte
	defaultName string
}

func NewDirectory(defaultName string) *Directory {
	return &Directory{
		clients:     map[string]Client{},
		secrets:     map[string][]byte{},
		defaultName: normalize(defaultName),
	}
}

// Register adds a client under its name together with the webhook secret used to verify its events.
func (d *Directory) Register(c Client, webhookSecret string) {
	name := normalize(c.Name())
	d.clients[name] = c
	d.secrets[name] = []byte(strings.TrimSpace(webhookSecret))
}

func (d *Directory) Client(name string) (Client, error) {
	if d == nil {
		return nil, ErrProviderNotFound
	}
	c, ok := d.clients[normalize(name)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return c, nil
}

// Default returns the client used for newly opened sessions.
func (d *Directory) Default() (Client, error) {
	if d == nil || d.defaultName == "" {
		return nil, fmt.Errorf("%w: no default gateway", ErrProviderNotFound)
	}
	return d.Client(d.defaultName)
}

func (d *Directory) Secret(name string) ([]byte, error) {
	if d == nil {
		return nil, ErrProviderNotFound
	}
	secret, ok := d.secrets[normalize(name)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return secret, nil
}

func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.clients))
	for name := range d.clients {
		names = append(names, name)
	}
	return names
}
