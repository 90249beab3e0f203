package syllabus

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/studyhall/tutord/pkg/models"
)

// topicEntry pairs a catalogue topic with its exposition sources. Inline
// material serves as the fallback when no remote source is configured or a
// fetch fails.
type topicEntry struct {
	topic       models.Topic
	material    string
	materialURL string
}

// Slug normalizes a topic name to the base name of its material file:
// lowercase, spaces collapsed to single hyphens. "Division and Remainders"
// maps to division-and-remainders(.md).
func Slug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// builtinEntries returns the compiled-in arithmetic track. Order matters:
// sessions walk the catalogue front to back.
func builtinEntries() []topicEntry {
	return []topicEntry{
		{
			topic: models.Topic{ID: 1, Name: "Addition and Subtraction", Tier: "foundation"},
			material: "## Addition and Subtraction\n\n" +
				"Addition combines quantities; subtraction finds the difference between them. " +
				"Line numbers up by place value and work right to left, carrying or borrowing " +
				"between columns.\n\n" +
				"Example: 47 + 38. Ones: 7 + 8 = 15, write 5 carry 1. Tens: 4 + 3 + 1 = 8. " +
				"Answer: 85.\n",
		},
		{
			topic: models.Topic{ID: 2, Name: "Multiplication", Tier: "foundation"},
			material: "## Multiplication\n\n" +
				"Multiplication is repeated addition: 6 × 4 means four groups of six. " +
				"For multi-digit numbers, multiply by each digit of the second factor and add " +
				"the partial products, shifting one place per digit.\n\n" +
				"Example: 23 × 14 = 23 × 10 + 23 × 4 = 230 + 92 = 322.\n",
		},
		{
			topic: models.Topic{ID: 3, Name: "Division and Remainders", Tier: "core"},
			material: "## Division and Remainders\n\n" +
				"Division splits a quantity into equal groups. When the split is not exact, " +
				"what is left over is the remainder, always smaller than the divisor.\n\n" +
				"Example: 29 ÷ 4. Four goes into 29 seven times (28), leaving 1. " +
				"So 29 ÷ 4 = 7 remainder 1.\n",
		},
		{
			topic: models.Topic{ID: 4, Name: "Fractions", Tier: "core"},
			material: "## Fractions\n\n" +
				"A fraction names part of a whole: the denominator says how many equal parts " +
				"the whole is cut into, the numerator says how many of them are taken. " +
				"Fractions with the same value can look different; 1/2 and 3/6 are equal.\n\n" +
				"To add fractions, rewrite them over a common denominator first: " +
				"1/2 + 1/3 = 3/6 + 2/6 = 5/6.\n",
		},
		{
			topic: models.Topic{ID: 5, Name: "Percentages", Tier: "stretch"},
			material: "## Percentages\n\n" +
				"A percentage is a fraction out of one hundred. To take a percentage of a " +
				"number, convert it to a decimal and multiply.\n\n" +
				"Example: 15% of 80 = 0.15 × 80 = 12. Useful anchors: 10% is one tenth, " +
				"50% is one half, 25% is one quarter.\n",
		},
	}
}

// genericMaterial renders deterministic exposition for topics outside the
// catalogue, so a learner-supplied syllabus can always open its topics.
func genericMaterial(topic models.Topic) string {
	return fmt.Sprintf("## %s\n\n"+
		"In this topic we work through %s step by step. Read each question "+
		"carefully, show your working, and ask for a hint whenever you are "+
		"stuck.\n", topic.Name, topic.Name)
}

// topicsFile is the schema of a file-source catalogue.
type topicsFile struct {
	Topics []topicFileEntry `yaml:"topics"`
}

type topicFileEntry struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	Tier        string `yaml:"tier"`
	Material    string `yaml:"material"`
	MaterialURL string `yaml:"material_url"`
}

// loadTopicsFile reads a catalogue from a YAML file. Entries without an
// explicit id are numbered by position.
func loadTopicsFile(path string) ([]topicEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topics file %s: %w", path, err)
	}

	var file topicsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse topics file %s: %w", path, err)
	}
	if len(file.Topics) == 0 {
		return nil, fmt.Errorf("topics file %s defines no topics", path)
	}

	entries := make([]topicEntry, 0, len(file.Topics))
	for i, t := range file.Topics {
		if t.Name == "" {
			return nil, fmt.Errorf("topics file %s: topic %d has no name", path, i+1)
		}
		id := t.ID
		if id == 0 {
			id = i + 1
		}
		entries = append(entries, topicEntry{
			topic:       models.Topic{ID: id, Name: t.Name, Tier: t.Tier},
			material:    t.Material,
			materialURL: t.MaterialURL,
		})
	}
	return entries, nil
}
