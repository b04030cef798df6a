package registry

import (
	"strings"

	"github.com/dshills/plughost/internal/plugin"
)

// Info is a catalog entry describing an installed or available plugin.
// The JSON shape matches the remote catalog document.
type Info struct {
	PluginID      string   `json:"plugin_id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Version       string   `json:"version"`
	Author        string   `json:"author"`
	Tags          []string `json:"tags"`
	Requirements  []string `json:"requirements"`
	Installed     bool     `json:"installed"`
	Rating        float64  `json:"rating"`
	Downloads     int      `json:"downloads"`
	RepositoryURL string   `json:"repository_url,omitempty"`
	HomepageURL   string   `json:"homepage_url,omitempty"`
	IconURL       string   `json:"icon_url,omitempty"`
}

// infoFromManifest builds a catalog entry for a locally-installed plugin.
func infoFromManifest(m *plugin.Manifest) *Info {
	return &Info{
		PluginID:      m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Version:       m.Version,
		Author:        m.Author,
		Tags:          append([]string{}, m.Tags...),
		Requirements:  append([]string{}, m.Requirements...),
		Installed:     true,
		RepositoryURL: m.RepositoryURL,
		HomepageURL:   m.HomepageURL,
		IconURL:       m.IconURL,
	}
}

// clone returns a copy safe to hand to callers.
func (i *Info) clone() *Info {
	c := *i
	c.Tags = append([]string{}, i.Tags...)
	c.Requirements = append([]string{}, i.Requirements...)
	return &c
}

// matches reports whether the entry matches a lowercased search query by
// case-insensitive substring over name, description, author, and tags.
func (i *Info) matches(query string) bool {
	if strings.Contains(strings.ToLower(i.Name), query) ||
		strings.Contains(strings.ToLower(i.Description), query) ||
		strings.Contains(strings.ToLower(i.Author), query) {
		return true
	}
	for _, tag := range i.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}
