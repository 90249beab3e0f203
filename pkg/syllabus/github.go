package syllabus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GitHubClient downloads exposition material from GitHub repositories.
// An empty token limits access to public repositories.
type GitHubClient struct {
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// NewGitHubClient creates a client authenticating with token when non-empty.
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		logger:     slog.Default().With("component", "syllabus_github"),
	}
}

// DownloadMaterial fetches the content behind materialURL. GitHub blob and
// tree URLs are converted to their raw content form first.
func (g *GitHubClient) DownloadMaterial(ctx context.Context, materialURL string) (string, error) {
	rawURL := ConvertToRawURL(materialURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build material request: %w", err)
	}
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download material from %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download material from %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read material body: %w", err)
	}
	return string(body), nil
}

// githubContentItem is one entry from the GitHub repository contents API.
type githubContentItem struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type"`
	HTMLURL string `json:"html_url"`
}

// ListMaterialFiles returns the blob URLs of all markdown files under the
// directory identified by repoURL, recursing into subdirectories.
func (g *GitHubClient) ListMaterialFiles(ctx context.Context, repoURL string) ([]string, error) {
	parts, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, fmt.Errorf("parse repo URL: %w", err)
	}
	return g.listMarkdownIn(ctx, parts, parts.Path)
}

func (g *GitHubClient) listMarkdownIn(ctx context.Context, parts *RepoURLParts, dirPath string) ([]string, error) {
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s?ref=%s",
		parts.Owner, parts.Repo, dirPath, parts.Ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build contents request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list contents of %s: %w", dirPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list contents of %s: HTTP %d", dirPath, resp.StatusCode)
	}

	var items []githubContentItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode contents response: %w", err)
	}

	files := make([]string, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "file":
			if strings.HasSuffix(strings.ToLower(item.Name), ".md") {
				files = append(files, item.HTMLURL)
			}
		case "dir":
			subFiles, err := g.listMarkdownIn(ctx, parts, item.Path)
			if err != nil {
				g.logger.Warn("Skipping unreadable material subdirectory",
					"path", item.Path,
					"error", err)
				continue
			}
			files = append(files, subFiles...)
		}
	}
	return files, nil
}

func (g *GitHubClient) setAuthHeader(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}
