// Package snapshot copies a database file to a backup location at a bounded
// rate so a live server keeps its disk bandwidth.
package snapshot

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Result describes a finished copy.
type Result struct {
	Path    string
	Bytes   int64
	SHA256  []byte
	Elapsed time.Duration
}

// CopyThrottled copies srcPath to dstPath at no more than bytesPerSec (0 means
// unlimited). The copy is written to a temporary file beside dstPath and
// renamed into place once synced, so dstPath is either absent or complete.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) (Result, error) {
	start := time.Now()
	result := Result{Path: dstPath}

	src, err := os.Open(srcPath)
	if err != nil {
		return result, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return result, fmt.Errorf("create dst dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return result, fmt.Errorf("open dst: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return result, fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return result, err
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return result, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return result, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := tmp.Sync(); err != nil {
		return result, fmt.Errorf("sync error: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return result, fmt.Errorf("close error: %w", err)
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return result, fmt.Errorf("rename error: %w", err)
	}
	committed = true

	result.Bytes = readOff
	result.SHA256 = sum.Sum(nil)
	result.Elapsed = time.Since(start)
	return result, nil
}
