// Package artifact fetches model artifacts into a content-addressed cache.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"deployd/internal/common/fsutil"
	"deployd/pkg/types"
)

const (
	markerName    = ".complete"
	partialPrefix = ".partial-"
)

// Progress reports download progress. TotalBytes is -1 when unknown.
type Progress struct {
	BytesSoFar int64
	TotalBytes int64
}

// Marker is written next to a completed artifact. Its presence is the only
// signal that the cached file is complete.
type Marker struct {
	Source    string    `json:"source"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	XXHash    string    `json:"xxhash"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher downloads artifacts from registered sources into cacheDir.
type Fetcher struct {
	cacheDir string
	sources  map[string]Source
	group    singleflight.Group
	log      zerolog.Logger

	// watchers receive byte progress for every caller waiting on a key,
	// not only the one whose closure runs the shared transfer.
	wmu      sync.Mutex
	watchers map[string]*watchSet
}

type watchSet struct {
	mu   sync.Mutex
	fns  map[int]func(Progress)
	next int
	last *Progress
}

// watch adds fn to the listeners of key and replays the latest progress to
// it. The returned func removes fn; once it returns fn is not called again.
func (f *Fetcher) watch(key string, fn func(Progress)) func() {
	if fn == nil {
		return func() {}
	}
	f.wmu.Lock()
	if f.watchers == nil {
		f.watchers = make(map[string]*watchSet)
	}
	ws, ok := f.watchers[key]
	if !ok {
		ws = &watchSet{fns: make(map[int]func(Progress))}
		f.watchers[key] = ws
	}
	ws.mu.Lock()
	id := ws.next
	ws.next++
	ws.fns[id] = fn
	if ws.last != nil {
		fn(*ws.last)
	}
	ws.mu.Unlock()
	f.wmu.Unlock()

	return func() {
		f.wmu.Lock()
		defer f.wmu.Unlock()
		ws.mu.Lock()
		delete(ws.fns, id)
		empty := len(ws.fns) == 0
		ws.mu.Unlock()
		if empty && f.watchers[key] == ws {
			delete(f.watchers, key)
		}
	}
}

// notify delivers p to every listener of key.
func (f *Fetcher) notify(key string, p Progress) {
	f.wmu.Lock()
	ws := f.watchers[key]
	f.wmu.Unlock()
	if ws == nil {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.last = &p
	for _, fn := range ws.fns {
		fn(p)
	}
}

// NewFetcher returns a fetcher with http, https and hf sources registered.
func NewFetcher(cacheDir string, log zerolog.Logger) (*Fetcher, error) {
	dir, err := fsutil.ResolveDir(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	h := &HTTPSource{UserAgent: "deployd"}
	return &Fetcher{
		cacheDir: dir,
		sources: map[string]Source{
			"http":  h,
			"https": h,
			"hf":    &HFSource{HTTP: h},
		},
		log: log,
	}, nil
}

// Register installs src for URL scheme, replacing any existing source.
// It must be called before the fetcher is shared between goroutines.
func (f *Fetcher) Register(scheme string, src Source) { f.sources[scheme] = src }

// CacheDir returns the absolute cache directory.
func (f *Fetcher) CacheDir() string { return f.cacheDir }

// CacheKey derives the cache directory name for source.
func CacheKey(source string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.TrimSpace(source)), 32)
}

// localPath reports whether source names a file on this host.
func localPath(source string) (string, bool) {
	if filepath.IsAbs(source) {
		return filepath.Clean(source), true
	}
	if strings.HasPrefix(source, "file://") {
		if u, err := url.Parse(source); err == nil && filepath.IsAbs(u.Path) {
			return filepath.Clean(u.Path), true
		}
	}
	return "", false
}

// Fetch returns a local path holding the artifact named by source. Local
// sources are used in place; remote ones are downloaded into the cache at
// most once, concurrent callers for the same source share one transfer.
// onProgress may be nil and is never called for cache hits. Callers that
// join a transfer already in flight get its latest progress and every
// update after that.
func (f *Fetcher) Fetch(ctx context.Context, source string, timeout time.Duration, onProgress func(Progress)) (string, error) {
	if p, ok := localPath(source); ok {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", &FetchError{Kind: KindNotFound, Source: source, Err: notFoundError{ref: p}}
			}
			return "", &FetchError{Kind: KindIO, Source: source, Err: err}
		}
		return p, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return "", &FetchError{Kind: KindIO, Source: source, Err: err}
	}
	src, ok := f.sources[u.Scheme]
	if !ok {
		return "", &FetchError{Kind: KindIO, Source: source, Err: fmt.Errorf("no source registered for scheme %q", u.Scheme)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	key := CacheKey(source)
	dir := filepath.Join(f.cacheDir, key)
	if p, ok := f.cached(dir); ok {
		cacheHits.Inc()
		f.log.Debug().Str("event", "cache_hit").Str("source", source).Str("path", p).Msg("artifact cached")
		return p, nil
	}

	unwatch := f.watch(key, onProgress)
	defer unwatch()
	for {
		var led atomic.Bool
		ch := f.group.DoChan(key, func() (any, error) {
			led.Store(true)
			return f.download(ctx, src, u, source, dir, func(p Progress) { f.notify(key, p) })
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(string), nil
			}
			// The shared transfer belonged to a caller that gave up; take over.
			if !led.Load() && ctx.Err() == nil && isContextErr(res.Err) {
				continue
			}
			return "", classify(ctx, source, res.Err)
		case <-ctx.Done():
			if led.Load() {
				// wait for the transfer to observe ctx and remove its partial file
				<-ch
			}
			return "", classify(ctx, source, ctx.Err())
		}
	}
}

func (f *Fetcher) download(ctx context.Context, src Source, ref *url.URL, source, dir string, onProgress func(Progress)) (string, error) {
	if p, ok := f.cached(dir); ok {
		return p, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f.removePartials(dir)

	start := time.Now()
	f.log.Info().Str("event", "fetch_start").Str("source", source).Msg("fetching artifact")
	rc, size, err := src.Open(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	pr := &progressReader{r: rc, total: size, fn: onProgress}
	n, err := io.Copy(io.MultiWriter(tmp, h), pr)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short read: got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	if err != nil || ctx.Err() != nil {
		_ = os.Remove(tmp.Name())
		f.log.Warn().Str("event", "fetch_abort").Str("source", source).Int64("bytes", n).Err(err).Msg("artifact fetch aborted")
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	name := artifactName(ref)
	if nm, ok := src.(namer); ok {
		name = nm.Name(ref)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	m := Marker{Source: source, File: name, Size: n, XXHash: fmt.Sprintf("%016x", h.Sum64()), FetchedAt: time.Now().UTC()}
	b, _ := json.Marshal(m)
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, markerName), b, 0o644); err != nil {
		return "", fmt.Errorf("write marker: %w", err)
	}
	fetchedBytes.Add(float64(n))
	f.log.Info().Str("event", "fetch_done").Str("source", source).Int64("bytes", n).Dur("dur", time.Since(start)).Msg("artifact fetched")
	return final, nil
}

// cached returns the artifact path when dir holds a marker whose file exists
// with the recorded size.
func (f *Fetcher) cached(dir string) (string, bool) {
	m, err := readMarker(dir)
	if err != nil {
		return "", false
	}
	p := filepath.Join(dir, m.File)
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() || fi.Size() != m.Size {
		return "", false
	}
	return p, true
}

func (f *Fetcher) removePartials(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, partialPrefix+"*"))
	for _, p := range matches {
		_ = os.Remove(p)
	}
}

func readMarker(dir string) (Marker, error) {
	var m Marker
	b, err := os.ReadFile(filepath.Join(dir, markerName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.File == "" || strings.ContainsAny(m.File, `/\`) {
		return m, fmt.Errorf("invalid marker file name %q", m.File)
	}
	return m, nil
}

// Cached lists complete artifacts in the cache, newest first.
func (f *Fetcher) Cached() ([]types.CachedArtifact, error) {
	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]types.CachedArtifact, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(f.cacheDir, e.Name())
		p, ok := f.cached(dir)
		if !ok {
			continue
		}
		m, _ := readMarker(dir)
		out = append(out, types.CachedArtifact{
			Key:       e.Name(),
			Source:    m.Source,
			Path:      p,
			SizeBytes: m.Size,
			XXHash:    m.XXHash,
			FetchedAt: m.FetchedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.After(out[j].FetchedAt) })
	return out, nil
}

type progressReader struct {
	r     io.Reader
	total int64
	n     int64
	fn    func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		if p.fn != nil {
			p.fn(Progress{BytesSoFar: p.n, TotalBytes: p.total})
		}
	}
	return n, err
}
