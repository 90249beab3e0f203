package syllabus

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RepoURLParts holds the components of a GitHub blob or tree URL.
type RepoURLParts struct {
	Owner string
	Repo  string
	Ref   string
	Path  string
}

// githubBlobTreePattern matches GitHub web paths of the form
// /{owner}/{repo}/(blob|tree)/{ref}[/path...].
var githubBlobTreePattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/(blob|tree)/([^/]+)(?:/(.*))?$`)

// ConvertToRawURL rewrites a GitHub blob or tree URL into the
// raw.githubusercontent.com form that serves file content directly.
// URLs that are not GitHub web URLs pass through unchanged.
func ConvertToRawURL(materialURL string) string {
	parsed, err := url.Parse(materialURL)
	if err != nil {
		return materialURL
	}

	host := strings.TrimPrefix(parsed.Host, "www.")
	if host != "github.com" {
		return materialURL
	}

	matches := githubBlobTreePattern.FindStringSubmatch(parsed.Path)
	if matches == nil {
		return materialURL
	}

	owner, repo, ref, filePath := matches[1], matches[2], matches[4], matches[5]
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/refs/heads/%s/%s", owner, repo, ref, filePath)
}

// ParseRepoURL extracts owner, repo, ref and path from a GitHub blob or
// tree URL.
func ParseRepoURL(repoURL string) (*RepoURLParts, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("malformed URL %q: %w", repoURL, err)
	}

	host := strings.TrimPrefix(parsed.Host, "www.")
	if host != "github.com" {
		return nil, fmt.Errorf("not a GitHub URL: %s", repoURL)
	}

	matches := githubBlobTreePattern.FindStringSubmatch(parsed.Path)
	if matches == nil {
		return nil, fmt.Errorf("URL does not match GitHub blob/tree format: %s", repoURL)
	}

	return &RepoURLParts{
		Owner: matches[1],
		Repo:  matches[2],
		Ref:   matches[4],
		Path:  matches[5],
	}, nil
}

// ValidateMaterialURL checks that a material URL uses http or https and,
// when an allowlist is configured, that its host is on it. A host matches
// either exactly or with a leading www. stripped.
func ValidateMaterialURL(materialURL string, allowedDomains []string) error {
	parsed, err := url.Parse(materialURL)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", materialURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid scheme %q: only http and https are supported", parsed.Scheme)
	}

	if len(allowedDomains) == 0 {
		return nil
	}

	host := strings.TrimPrefix(parsed.Host, "www.")
	for _, domain := range allowedDomains {
		if host == domain || parsed.Host == domain {
			return nil
		}
	}
	return fmt.Errorf("domain %q not in allowed list %v", parsed.Host, allowedDomains)
}
