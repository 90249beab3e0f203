package config

import (
	"os"
	"time"
)

// SyllabusSource identifies where topic material comes from.
type SyllabusSource string

// Supported syllabus sources.
const (
	// SyllabusBuiltin uses the compiled-in topic catalogue.
	SyllabusBuiltin SyllabusSource = "builtin"

	// SyllabusFile loads the topic catalogue from a local YAML file.
	SyllabusFile SyllabusSource = "file"

	// SyllabusGitHub augments the catalogue with exposition material
	// fetched from a GitHub repository.
	SyllabusGitHub SyllabusSource = "github"
)

// IsValid reports whether the syllabus source is a supported value.
func (s SyllabusSource) IsValid() bool {
	switch s {
	case SyllabusBuiltin, SyllabusFile, SyllabusGitHub:
		return true
	}
	return false
}

// SyllabusConfig holds resolved syllabus configuration.
type SyllabusConfig struct {
	// Source selects the catalogue origin: builtin, file, or github.
	Source SyllabusSource

	// Path is the local catalogue file, required for the file source.
	Path string

	// RepoURL is the GitHub repository holding exposition material,
	// required for the github source.
	RepoURL string

	// TokenEnv is the env var name containing a GitHub PAT used for
	// private material repositories (default: "GITHUB_TOKEN").
	TokenEnv string

	// CacheTTL bounds how long fetched material is reused (default: 1m).
	CacheTTL time.Duration

	// AllowedDomains restricts material URLs (default: github.com and
	// raw.githubusercontent.com).
	AllowedDomains []string
}

// Token resolves the GitHub token from the configured environment variable.
func (c *SyllabusConfig) Token() string {
	if c.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.TokenEnv)
}
