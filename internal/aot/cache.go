package aot

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"
)

// ImageCache opens each image path at most once for the lifetime of the
// process, and remembers paths that failed validation.
type ImageCache struct {
	logger *slog.Logger

	mu     sync.Mutex
	images map[string]*Image
	failed map[string]error
	closed bool
}

func NewImageCache(logger *slog.Logger) *ImageCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageCache{
		logger: logger,
		images: make(map[string]*Image),
		failed: make(map[string]error),
	}
}

// Get returns the image at path with a reference taken for the caller, who
// must Release it. A missing file reports (nil, nil) and is looked up again on
// the next call.
func (c *ImageCache) Get(path string) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("aot: image cache is closed")
	}
	if img, ok := c.images[path]; ok {
		if !img.acquire() {
			return nil, errors.New("aot: image cache is closed")
		}
		return img, nil
	}
	if err, ok := c.failed[path]; ok {
		return nil, err
	}
	img, err := Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		c.failed[path] = err
		c.logger.Warn("aot image rejected", "path", path, "error", err)
		return nil, err
	}
	c.images[path] = img
	img.acquire()
	c.logger.Debug("aot image loaded",
		"path", path,
		"assembly", img.Header().AssemblyName,
		"methods", img.MethodCount(),
		"arch", img.Header().Arch,
	)
	return img, nil
}

// MethodAt finds the open image whose code contains addr.
func (c *ImageCache) MethodAt(addr uintptr) (*Image, Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, img := range c.images {
		if e, ok := img.MethodAt(addr); ok {
			return img, e, true
		}
	}
	return nil, Entry{}, false
}

// Len is the number of images currently open.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}

// Close closes every image. Mappings with outstanding handles are removed
// when the last handle is released.
func (c *ImageCache) Close() error {
	c.mu.Lock()
	images := c.images
	c.images = make(map[string]*Image)
	c.closed = true
	c.mu.Unlock()

	for _, img := range images {
		img.Close()
	}
	return nil
}
