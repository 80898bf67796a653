package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

// RelayConfig is the start payload of a relay worker.
type RelayConfig struct {
	// Listen is the local address, e.g. 127.0.0.1:1080. Port 0 picks a free
	// port, reported back by start and getStatus.
	Listen string `json:"listen"`
	// Upstream is the address every accepted connection is forwarded to.
	Upstream string `json:"upstream"`
	// DialRetries bounds the attempts to reach the upstream per connection.
	DialRetries *int `json:"dial_retries,omitempty"`
}

const defaultDialRetries = 3

var ErrNotRunning = errors.New("relay not running")

// Relay is the reference Backend: a plain TCP relay that forwards every
// connection it accepts to a single upstream and keeps traffic counters.
type Relay struct {
	mx        sync.Mutex
	cfg       RelayConfig
	listener  net.Listener
	cancel    context.CancelFunc
	scheduler gocron.Scheduler
	started   time.Time
	conns     sync.WaitGroup

	active atomic.Int64
	total  atomic.Int64
	rx     atomic.Int64 // client -> upstream
	tx     atomic.Int64 // upstream -> client

	speedMx  sync.Mutex
	lastRx   int64
	lastTx   int64
	rxPerSec float64
	txPerSec float64
	lastTick time.Time
}

func NewRelay() *Relay {
	return &Relay{}
}

func (r *Relay) Start(ctx context.Context, raw json.RawMessage) (any, error) {
	var cfg RelayConfig
	if len(raw) == 0 {
		return nil, errors.New("missing relay config")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding relay config: %w", err)
	}
	if cfg.Listen == "" || cfg.Upstream == "" {
		return nil, errors.New("relay config needs both listen and upstream")
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.listener != nil {
		if cfg.Listen != r.cfg.Listen || cfg.Upstream != r.cfg.Upstream {
			return nil, fmt.Errorf("relay already running on %s", r.listener.Addr())
		}
		return r.statusLocked(), nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(gocron.DurationJob(time.Second), gocron.NewTask(r.sampleSpeed))
	if err != nil {
		_ = ln.Close()
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("initializing speed sampler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cfg = cfg
	r.listener = ln
	r.cancel = cancel
	r.scheduler = scheduler
	r.started = time.Now()
	r.lastTick = r.started
	scheduler.Start()

	r.conns.Add(1)
	go r.accept(runCtx, ln, cfg)
	slog.InfoContext(ctx, "relay listening", "listen", ln.Addr().String(), "upstream", cfg.Upstream)
	return r.statusLocked(), nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mx.Lock()
	ln, cancel, scheduler := r.listener, r.cancel, r.scheduler
	r.listener, r.cancel, r.scheduler = nil, nil, nil
	r.mx.Unlock()
	if ln == nil {
		return nil
	}

	cancel()
	err := ln.Close()
	r.conns.Wait()
	if serr := scheduler.Shutdown(); serr != nil {
		err = errors.Join(err, serr)
	}
	slog.InfoContext(ctx, "relay stopped", "listen", ln.Addr().String())
	return err
}

func (r *Relay) Status(_ context.Context) (map[string]any, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.listener == nil {
		return nil, ErrNotRunning
	}
	return r.statusLocked(), nil
}

func (r *Relay) statusLocked() map[string]any {
	return map[string]any{
		"listen":         r.listener.Addr().String(),
		"upstream":       r.cfg.Upstream,
		"pid":            os.Getpid(),
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"connections":    r.active.Load(),
	}
}

func (r *Relay) CPU(ctx context.Context) (any, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	percent, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return nil, err
	}
	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"percent": percent,
		"user":    times.User,
		"system":  times.System,
	}, nil
}

func (r *Relay) Memory(ctx context.Context) (any, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rss": mem.RSS,
		"vms": mem.VMS,
	}, nil
}

func (r *Relay) Speed(_ context.Context) (any, error) {
	r.speedMx.Lock()
	defer r.speedMx.Unlock()
	return map[string]any{
		"rx_bytes_per_sec": r.rxPerSec,
		"tx_bytes_per_sec": r.txPerSec,
	}, nil
}

func (r *Relay) Connections(_ context.Context) (any, error) {
	return map[string]any{
		"active": r.active.Load(),
		"total":  r.total.Load(),
	}, nil
}

func (r *Relay) Traffic(_ context.Context) (any, error) {
	return map[string]any{
		"rx_bytes": r.rx.Load(),
		"tx_bytes": r.tx.Load(),
	}, nil
}

func (r *Relay) sampleSpeed() {
	now := time.Now()
	rx, tx := r.rx.Load(), r.tx.Load()

	r.speedMx.Lock()
	defer r.speedMx.Unlock()
	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed > 0 {
		r.rxPerSec = float64(rx-r.lastRx) / elapsed
		r.txPerSec = float64(tx-r.lastTx) / elapsed
	}
	r.lastRx, r.lastTx, r.lastTick = rx, tx, now
}

func (r *Relay) accept(ctx context.Context, ln net.Listener, cfg RelayConfig) {
	defer r.conns.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.ErrorContext(ctx, "accepting connection", "error", err)
			}
			return
		}
		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			r.serve(ctx, conn, cfg)
		}()
	}
}

func (r *Relay) serve(ctx context.Context, client net.Conn, cfg RelayConfig) {
	defer func() { _ = client.Close() }()
	r.active.Add(1)
	r.total.Add(1)
	defer r.active.Add(-1)

	upstream, err := dial(ctx, cfg)
	if err != nil {
		slog.WarnContext(ctx, "can't reach upstream", "upstream", cfg.Upstream, "error", err)
		return
	}
	defer func() { _ = upstream.Close() }()

	// unblock both copies once the relay stops
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		return pipe(upstream, client, &r.rx)
	})
	g.Go(func() error {
		return pipe(client, upstream, &r.tx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.DebugContext(ctx, "relay connection ended", "remote", client.RemoteAddr().String(), "error", err)
	}
}

func dial(ctx context.Context, cfg RelayConfig) (net.Conn, error) {
	retries := defaultDialRetries
	if cfg.DialRetries != nil {
		retries = max(*cfg.DialRetries, 0)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second

	var d net.Dialer
	var conn net.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", cfg.Upstream)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx))
	return conn, err
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies src to dst counting the bytes, then half-closes dst so the
// other side sees EOF.
func pipe(dst, src net.Conn, counter *atomic.Int64) error {
	_, err := io.Copy(dst, counterReader{r: src, n: counter})
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return err
}

type counterReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c counterReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
