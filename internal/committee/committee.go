// Package committee lists the posts applicants can apply for.
package committee

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed posts.yaml
var defaultPosts []byte

// Catalog is the committee name and its posts in display order.
type Catalog struct {
	Name  string   `yaml:"name" json:"name"`
	Posts []string `yaml:"posts" json:"posts"`

	index map[string]struct{}
}

// Parse reads a catalog document. Posts must be unique and non-empty.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("committee: parse posts: %w", err)
	}
	if len(c.Posts) == 0 {
		return nil, fmt.Errorf("committee: no posts defined")
	}
	c.index = make(map[string]struct{}, len(c.Posts))
	for i, p := range c.Posts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("committee: post %d is empty", i)
		}
		if _, dup := c.index[p]; dup {
			return nil, fmt.Errorf("committee: duplicate post %q", p)
		}
		c.Posts[i] = p
		c.index[p] = struct{}{}
	}
	return &c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultPosts)
	if err != nil {
		panic(err)
	}
	return c
}

// Valid reports whether post is one of the catalog's posts. Matching is exact.
func (c *Catalog) Valid(post string) bool {
	_, ok := c.index[post]
	return ok
}

// List returns a copy of the posts.
func (c *Catalog) List() []string {
	return append([]string(nil), c.Posts...)
}
