// Package copyloop runs the bidirectional byte pump between a visitor
// connection and a data channel, the thing every tunneled byte ultimately
// passes through.
package copyloop

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nat-tunnel/tunnel/internal/logging"
)

// Result reports how much was copied in each direction.
type Result struct {
	AToB int64
	BToA int64
}

// Options tunes a single Run call.
type Options struct {
	// IdleTimeout closes both sides if no bytes flow in either direction
	// within the window. Zero disables the idle check.
	IdleTimeout time.Duration

	// OnProgress, when set, is called after each direction finishes with
	// the number of bytes it moved and a label identifying the direction
	// ("a_to_b" or "b_to_a"). Used to feed byte-count metrics.
	OnProgress func(direction string, n int64)
}

// halfCloser is implemented by streams that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// Run copies a→b and b→a concurrently. When one direction observes EOF it
// half-closes the peer and keeps copying the other direction until its own
// EOF or error; then both streams are closed. Run blocks until both
// directions finish or the context is cancelled.
func Run(ctx context.Context, logger *slog.Logger, a, b io.ReadWriteCloser, opts Options) Result {
	var res Result
	var wg sync.WaitGroup
	wg.Add(2)

	idleCtx, cancelIdle := context.WithCancel(ctx)
	defer cancelIdle()

	var lastActivity atomicTime
	lastActivity.Store(time.Now())

	if opts.IdleTimeout > 0 {
		go watchIdle(idleCtx, opts.IdleTimeout, &lastActivity, func() {
			a.Close()
			b.Close()
		})
	}

	// Cancelling ctx closes both ends, which unblocks both pumps.
	go func() {
		<-idleCtx.Done()
		if ctx.Err() != nil {
			a.Close()
			b.Close()
		}
	}()

	pump := func(dst io.Writer, src io.Reader, direction string, out *int64) {
		defer wg.Done()
		n, err := copyWithActivity(dst, src, &lastActivity)
		*out = n
		if err != nil && logger != nil {
			logger.Debug("copy loop direction ended", logging.KeyError, err, "direction", direction)
		}
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
		if opts.OnProgress != nil {
			opts.OnProgress(direction, n)
		}
	}

	go pump(b, a, "a_to_b", &res.AToB)
	go pump(a, b, "b_to_a", &res.BToA)

	wg.Wait()
	cancelIdle()
	a.Close()
	b.Close()

	if logger != nil {
		logger.Debug("copy loop finished",
			logging.KeyBytes, res.AToB+res.BToA,
			"a_to_b", humanize.Bytes(uint64(res.AToB)),
			"b_to_a", humanize.Bytes(uint64(res.BToA)))
	}

	return res
}

func copyWithActivity(dst io.Writer, src io.Reader, activity *atomicTime) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			activity.Store(time.Now())
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, werr
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func watchIdle(ctx context.Context, timeout time.Duration, activity *atomicTime, onIdle func()) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(activity.Load()) >= timeout {
				onIdle()
				return
			}
		}
	}
}

// atomicTime is a small mutex-guarded time.Time, avoiding a dependency on
// atomic.Value's interface-type pitfalls for this single concrete type.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
