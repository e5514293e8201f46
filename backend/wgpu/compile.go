//go:build !nogpu

package wgpu

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/readback/gpucore"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// moduleKey identifies WGSL source by content.
type moduleKey [sha256.Size]byte

// compileResult is the outcome of translating one pipeline's shader.
type compileResult struct {
	id    gpucore.ComputePipelineID
	spirv []uint32
	err   error
}

// compiler translates WGSL to SPIR-V off the frame goroutine.
//
// At most workers translations run at once. Identical sources compiling
// concurrently share one translation, and finished modules are kept in an
// LRU cache keyed by source hash.
type compiler struct {
	sem   *semaphore.Weighted
	group singleflight.Group
	cache *lru.Cache[moduleKey, []uint32]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	done []compileResult
}

func newCompiler(workers int64, cacheSize int) (*compiler, error) {
	cache, err := lru.NewWithEvict[moduleKey, []uint32](cacheSize, func(k moduleKey, _ []uint32) {
		slogger().Debug("wgpu: shader module evicted", "hash", hex.EncodeToString(k[:6]))
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: module cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &compiler{
		sem:    semaphore.NewWeighted(workers),
		cache:  cache,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// start begins compiling src in the background. The result is picked up
// by collect.
func (c *compiler) start(id gpucore.ComputePipelineID, label string, src gpucore.ShaderSource) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		spirv, err := c.compile(label, src)
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.done = append(c.done, compileResult{id: id, spirv: spirv, err: err})
		c.mu.Unlock()
	}()
}

// collect returns and forgets every finished result.
func (c *compiler) collect() []compileResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.done
	c.done = nil
	return out
}

// close cancels waiting compilations and waits for running ones.
func (c *compiler) close() {
	c.cancel()
	c.wg.Wait()
	c.cache.Purge()
}

func (c *compiler) compile(label string, src gpucore.ShaderSource) ([]uint32, error) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	wgsl, err := loadSource(src)
	if err != nil {
		return nil, err
	}

	key := moduleKey(sha256.Sum256([]byte(wgsl)))
	if words, ok := c.cache.Get(key); ok {
		slogger().Debug("wgpu: shader module cache hit", "label", label)
		return words, nil
	}

	v, err, shared := c.group.Do(string(key[:]), func() (any, error) {
		words, err := compileWGSL(wgsl)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, words)
		return words, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile %q: %w", label, err)
	}
	words := v.([]uint32)
	slogger().Debug("wgpu: shader compiled",
		"label", label,
		"words", len(words),
		"shared", shared)
	return words, nil
}

func loadSource(src gpucore.ShaderSource) (string, error) {
	if src.WGSL != "" {
		return src.WGSL, nil
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("wgpu: read shader: %w", err)
	}
	return string(data), nil
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("spir-v length %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}
