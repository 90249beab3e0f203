// Package syllabus provides the ordered topic catalogue sessions teach from
// and resolves per-topic exposition material, optionally from GitHub-hosted
// repositories with a TTL cache in front.
package syllabus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/studyhall/tutord/pkg/config"
	"github.com/studyhall/tutord/pkg/models"
)

// listSeparator joins listing results into a single cache value. NUL cannot
// appear in a URL, so the join is unambiguous.
const listSeparator = "\x00"

// Service resolves topic catalogues and exposition material.
//
// The catalogue comes from the built-in arithmetic track, a YAML file, or
// the built-in track backed by material files in a GitHub repository.
// Material resolution never fails: remote errors are logged and the
// built-in text is used, so a session can always open a topic.
type Service struct {
	cfg    *config.SyllabusConfig
	github *GitHubClient
	cache  *Cache
	logger *slog.Logger

	entries []topicEntry
}

// NewService builds a service for the configured source. A nil config
// yields the built-in catalogue with no remote material.
func NewService(cfg *config.SyllabusConfig) (*Service, error) {
	if cfg == nil {
		cfg = &config.SyllabusConfig{Source: config.SyllabusBuiltin}
	}

	var entries []topicEntry
	if cfg.Source == config.SyllabusFile {
		loaded, err := loadTopicsFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		entries = loaded
	} else {
		// The github source also starts from the built-in track; the
		// repository contributes material, not topics.
		entries = builtinEntries()
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 1 * time.Minute
	}

	return &Service{
		cfg:     cfg,
		github:  NewGitHubClient(cfg.Token()),
		cache:   NewCache(ttl),
		logger:  slog.Default().With("component", "syllabus"),
		entries: entries,
	}, nil
}

// Topics returns the ordered topic catalogue. The returned slice is a copy.
func (s *Service) Topics() []models.Topic {
	topics := make([]models.Topic, 0, len(s.entries))
	for _, e := range s.entries {
		topics = append(topics, e.topic)
	}
	return topics
}

// Material returns exposition text for topic. Resolution order: the
// catalogue entry's explicit material URL, then the configured GitHub
// repository, then the entry's inline text, then a generic rendering.
func (s *Service) Material(ctx context.Context, topic models.Topic) string {
	entry, known := s.lookup(topic.Name)

	if known && entry.materialURL != "" {
		content, err := s.fetchWithCache(ctx, entry.materialURL)
		if err == nil {
			return content
		}
		s.logger.Warn("Material fetch failed, falling back to built-in text",
			"topic", topic.Name,
			"url", entry.materialURL,
			"error", err)
	}

	if s.cfg.Source == config.SyllabusGitHub && s.cfg.RepoURL != "" {
		content, err := s.repoMaterial(ctx, topic)
		if err == nil {
			return content
		}
		s.logger.Warn("Repository material unavailable, falling back to built-in text",
			"topic", topic.Name,
			"repo_url", s.cfg.RepoURL,
			"error", err)
	}

	if known && entry.material != "" {
		return entry.material
	}
	return genericMaterial(topic)
}

// ListMaterialFiles returns the blob URLs of the markdown files in the
// configured material repository. Results are cached for the service TTL.
// An empty slice and no error means no repository is configured.
func (s *Service) ListMaterialFiles(ctx context.Context) ([]string, error) {
	if s.cfg.RepoURL == "" {
		return []string{}, nil
	}

	cacheKey := "list:" + s.cfg.RepoURL
	if cached, ok := s.cache.Get(cacheKey); ok {
		return splitCachedList(cached), nil
	}

	files, err := s.github.ListMaterialFiles(ctx, s.cfg.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("list material files: %w", err)
	}

	s.cache.Set(cacheKey, joinForCache(files))
	return files, nil
}

// repoMaterial finds the repository file whose base name matches the topic
// slug and downloads it.
func (s *Service) repoMaterial(ctx context.Context, topic models.Topic) (string, error) {
	files, err := s.ListMaterialFiles(ctx)
	if err != nil {
		return "", err
	}

	want := Slug(topic.Name)
	for _, f := range files {
		base := strings.TrimSuffix(path.Base(f), path.Ext(f))
		if strings.ToLower(base) == want {
			return s.fetchWithCache(ctx, f)
		}
	}
	return "", fmt.Errorf("no material file for topic %q", topic.Name)
}

// fetchWithCache validates materialURL, converts it to raw form and serves
// the content from cache when possible.
func (s *Service) fetchWithCache(ctx context.Context, materialURL string) (string, error) {
	if err := ValidateMaterialURL(materialURL, s.cfg.AllowedDomains); err != nil {
		return "", err
	}

	rawURL := ConvertToRawURL(materialURL)
	if content, ok := s.cache.Get(rawURL); ok {
		return content, nil
	}

	content, err := s.github.DownloadMaterial(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch topic material: %w", err)
	}

	s.cache.Set(rawURL, content)
	return content, nil
}

func (s *Service) lookup(name string) (topicEntry, bool) {
	for _, e := range s.entries {
		if strings.EqualFold(e.topic.Name, name) {
			return e, true
		}
	}
	return topicEntry{}, false
}

// joinForCache flattens a listing into one cache value.
func joinForCache(items []string) string {
	return strings.Join(items, listSeparator)
}

// splitCachedList reverses joinForCache. An empty value is an empty list.
func splitCachedList(cached string) []string {
	if cached == "" {
		return []string{}
	}
	return strings.Split(cached, listSeparator)
}

// OverrideHTTPClientForTest replaces the HTTP client used for GitHub
// requests. Only for tests.
func (s *Service) OverrideHTTPClientForTest(client *http.Client) {
	s.github.httpClient = client
}
