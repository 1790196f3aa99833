package converter

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TranscodeCache deduplicates image transcodes across jobs. Identical
// source bytes under identical settings are transcoded once; concurrent
// requests for the same key join the in-flight call instead of repeating
// the work.
type TranscodeCache struct {
	group   singleflight.Group
	mu      sync.RWMutex
	results map[string]TranscodedImage
}

// NewTranscodeCache creates an empty cache.
func NewTranscodeCache() *TranscodeCache {
	return &TranscodeCache{results: make(map[string]TranscodedImage)}
}

// Do returns the cached result for key or runs fn once to produce it.
// Errors are not cached, so a canceled transcode can be retried.
func (c *TranscodeCache) Do(key string, fn func() (TranscodedImage, error)) (TranscodedImage, error) {
	c.mu.RLock()
	cached, ok := c.results[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		img, err := fn()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.results[key] = img
		c.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return TranscodedImage{}, err
	}
	return v.(TranscodedImage), nil
}

// Len reports the number of cached results.
func (c *TranscodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// CacheKey identifies a transcode by source content hash and the settings
// that influence its output.
func (t *Transcoder) CacheKey(input []byte) string {
	return fmt.Sprintf("%s|w%d|q%d|s%d", contentDigest(input), t.MaxWidth, t.JPEGQuality, t.MaxFileSize)
}

// ThumbCacheKey identifies a thumbnail transcode.
func (t *Transcoder) ThumbCacheKey(input []byte) string {
	return fmt.Sprintf("%s|thumb|w%d|h%d|q%d", contentDigest(input), t.ThumbWidth, t.ThumbHeight, t.JPEGQuality)
}
