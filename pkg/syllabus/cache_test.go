package syllabus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMaterialCache_SetAndGet(t *testing.T) {
	cache := NewCache(1 * time.Minute)

	cache.Set("https://example.com/fractions.md", "## Fractions")

	content, ok := cache.Get("https://example.com/fractions.md")
	assert.True(t, ok)
	assert.Equal(t, "## Fractions", content)
}

func TestMaterialCache_Miss(t *testing.T) {
	cache := NewCache(1 * time.Minute)

	content, ok := cache.Get("https://example.com/nonexistent.md")
	assert.False(t, ok)
	assert.Equal(t, "", content)
}

func TestMaterialCache_TTLExpiry(t *testing.T) {
	cache := NewCache(50 * time.Millisecond)

	cache.Set("https://example.com/fractions.md", "content")

	content, ok := cache.Get("https://example.com/fractions.md")
	assert.True(t, ok)
	assert.Equal(t, "content", content)

	time.Sleep(60 * time.Millisecond)

	content, ok = cache.Get("https://example.com/fractions.md")
	assert.False(t, ok)
	assert.Equal(t, "", content)
}

func TestMaterialCache_Overwrite(t *testing.T) {
	cache := NewCache(1 * time.Minute)

	cache.Set("https://example.com/fractions.md", "old content")
	cache.Set("https://example.com/fractions.md", "new content")

	content, ok := cache.Get("https://example.com/fractions.md")
	assert.True(t, ok)
	assert.Equal(t, "new content", content)
}

func TestMaterialCache_MultipleKeys(t *testing.T) {
	cache := NewCache(1 * time.Minute)

	cache.Set("url1", "content1")
	cache.Set("url2", "content2")

	c1, ok1 := cache.Get("url1")
	c2, ok2 := cache.Get("url2")

	assert.True(t, ok1)
	assert.Equal(t, "content1", c1)
	assert.True(t, ok2)
	assert.Equal(t, "content2", c2)
}

func TestMaterialCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache(1 * time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Set("shared-key", "content")
		}()
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Get("shared-key")
		}()
	}

	wg.Wait()

	content, ok := cache.Get("shared-key")
	assert.True(t, ok)
	assert.Equal(t, "content", content)
}
