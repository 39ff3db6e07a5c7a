// Package diskio implements spec §4.1's Disk Controller: async,
// page-granular file I/O decoupled from caller goroutines by two bounded
// worker pools (read, write), plus pure id-bump page allocation.
package diskio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lfkvdb/lfkv/internal/ferrors"
	"github.com/lfkvdb/lfkv/internal/page"
)

// Controller is the sole owner of the data file's file descriptor.
// Everything above it (buffer pool, WAL segment rotation does its own
// file I/O directly, orchestrator) goes through Read/Write/Sync/Allocate.
type Controller struct {
	log zerolog.Logger

	path string
	fp   *os.File

	readPool  *Pool
	writePool *Pool

	allocMu sync.Mutex
	nextID  atomic.Uint64

	maxRetries int
}

// Options configures a Controller.
type Options struct {
	Path           string
	ReadWorkers    int
	WriteWorkers   int
	MaxReadRetries int
	Logger         zerolog.Logger
}

// Open creates or opens the data file at opts.Path and starts the read
// and write worker pools.
func Open(opts Options) (*Controller, error) {
	if opts.ReadWorkers < 1 {
		opts.ReadWorkers = 4
	}
	if opts.WriteWorkers < 1 {
		opts.WriteWorkers = 4
	}
	if opts.MaxReadRetries < 1 {
		opts.MaxReadRetries = 3
	}

	fp, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open data file: %v", ferrors.IoError, err)
	}

	c := &Controller{
		log:        opts.Logger,
		path:       opts.Path,
		fp:         fp,
		readPool:   NewPool(opts.ReadWorkers),
		writePool:  NewPool(opts.WriteWorkers),
		maxRetries: opts.MaxReadRetries,
	}

	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, fmt.Errorf("%w: stat data file: %v", ferrors.IoError, err)
	}
	c.nextID.Store(uint64(fi.Size() / page.Size))
	return c, nil
}

// Close drains the worker pools and closes the data file.
func (c *Controller) Close() error {
	c.readPool.Stop()
	c.writePool.Stop()
	return c.fp.Close()
}

// pageResult is the async payload the read/write tasks deliver.
type pageResult struct {
	buf []byte
	err error
}

// Read fetches one page's bytes from disk, retrying IoError (not Corrupt)
// up to MaxReadRetries times, per spec §4.1/§7.
func (c *Controller) Read(ctx context.Context, id page.ID) ([]byte, error) {
	resultCh := make(chan pageResult, 1)
	c.readPool.Submit(func() {
		buf := make([]byte, page.Size)
		var err error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			var n int
			n, err = preadFile(c.fp, buf, int64(id)*page.Size)
			if err == nil && n == page.Size {
				break
			}
			if n == page.Size {
				err = nil
				break
			}
		}
		if err != nil {
			resultCh <- pageResult{err: fmt.Errorf("%w: read page %d: %v", ferrors.IoError, id, err)}
			return
		}
		if !page.Verify(buf) {
			resultCh <- pageResult{err: fmt.Errorf("%w: page %d failed crc check", ferrors.Corrupt, id)}
			return
		}
		resultCh <- pageResult{buf: buf}
	})

	select {
	case res := <-resultCh:
		return res.buf, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write acknowledges once the OS accepts the bytes; durability requires a
// subsequent Sync, per spec §4.1.
func (c *Controller) Write(ctx context.Context, id page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return ferrors.Check(false, "write: buffer is not exactly one page")
	}
	errCh := make(chan error, 1)
	c.writePool.Submit(func() {
		_, err := pwriteFile(c.fp, buf, int64(id)*page.Size)
		if err != nil {
			errCh <- fmt.Errorf("%w: write page %d: %v", ferrors.IoError, id, err)
			return
		}
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync forces the data file to durable storage.
func (c *Controller) Sync(ctx context.Context) error {
	errCh := make(chan error, 1)
	c.writePool.Submit(func() {
		if err := fsyncFile(c.fp); err != nil {
			errCh <- fmt.Errorf("%w: fsync data file: %v", ferrors.IoError, err)
			return
		}
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Allocate hands out the next page id, extending the backing file to
// cover it. A pure id-bump guarded by a single mutex; the counter is
// seeded from the data file's length at Open and is not stored in the
// meta page. Reuse goes through the free list, not here.
func (c *Controller) Allocate(ctx context.Context) (page.ID, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	id := page.ID(c.nextID.Add(1) - 1)
	if err := fallocateFile(c.fp, int64(id)*page.Size, page.Size); err != nil {
		return 0, fmt.Errorf("%w: extend data file: %v", ferrors.IoError, err)
	}
	return id, nil
}

// NextID reports the next page id that Allocate would hand out. Bootstrap
// uses it to tell a fresh store (0) from an existing one, and
// Engine.Stats reports it.
func (c *Controller) NextID() page.ID {
	return page.ID(c.nextID.Load())
}

// SetNextID fast-forwards the id counter to id if id is ahead of it; it
// never moves the counter backwards. Nothing in the engine calls it.
func (c *Controller) SetNextID(id page.ID) {
	for {
		cur := c.nextID.Load()
		if uint64(id) <= cur {
			return
		}
		if c.nextID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}
