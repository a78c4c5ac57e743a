// Package results persists crawl results at the report boundary: the
// results.json checkpoint, the invalid URL list and the virtual sitemap.
package results

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
)

// SchemaVersion is stamped on every saved results.json.
const SchemaVersion = "2.0.0"

// File names under the output directory.
const (
	ResultsFile = "results.json"
	InvalidFile = "invalid_urls.json"
	SitemapFile = "v-sitemap.xml"
)

// LoadOptions decide whether a checkpoint may be reused.
type LoadOptions struct {
	NoCache          bool
	ForceDeleteCache bool
}

// Store reads and writes result files in one output directory.
type Store struct {
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

// New returns a Store rooted at dir.
func New(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger.Named("results")}
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute location of a file in the output directory.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Flush matches shutdown.Flusher.
func (s *Store) Flush(ctx context.Context, r *crawler.CrawlResults) error {
	return s.Save(ctx, r)
}

// Save atomically writes results.json stamped with SchemaVersion.
func (s *Store) Save(ctx context.Context, r *crawler.CrawlResults) error {
	if r == nil {
		return errors.New("results are nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	snap := r.Snapshot()
	snap.SchemaVersion = SchemaVersion
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create output dir %s: %w", s.dir, err)
	}
	path := s.Path(ResultsFile)
	if err := local.WriteFileAtomic(path, payload); err != nil {
		return fmt.Errorf("write results %s: %w", path, err)
	}
	s.logger.Info("results saved", zap.String("path", path), zap.Int("urls", len(snap.URLs)))
	return nil
}

// Load returns a previously saved checkpoint, or nil when none is usable.
func (s *Store) Load(opts LoadOptions) *crawler.CrawlResults {
	if opts.NoCache || opts.ForceDeleteCache {
		s.logger.Debug("skipping results checkpoint", zap.Bool("no_cache", opts.NoCache),
			zap.Bool("force_delete_cache", opts.ForceDeleteCache))
		return nil
	}
	path := s.Path(ResultsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read results checkpoint", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	var r crawler.CrawlResults
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warn("invalid results checkpoint, ignoring", zap.String("path", path), zap.Error(err))
		return nil
	}
	if !Compatible(r.SchemaVersion) {
		s.logger.Warn("incompatible results schema, ignoring checkpoint",
			zap.String("found", r.SchemaVersion), zap.String("want", SchemaVersion))
		return nil
	}
	s.logger.Info("loaded existing results", zap.String("path", path), zap.Int("urls", len(r.URLs)))
	return &r
}

// Compatible reports whether a checkpoint written with version v can be
// reused: the major versions match and its minor is not older.
func Compatible(v string) bool {
	gotMajor, gotMinor, ok := majorMinor(v)
	if !ok {
		return false
	}
	wantMajor, wantMinor, _ := majorMinor(SchemaVersion)
	return gotMajor == wantMajor && gotMinor >= wantMinor
}

func majorMinor(v string) (int, int, bool) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// Prepare makes sure the output and cache directories exist. When force
// is set both are removed first.
func Prepare(outputDir, cacheDir string, force bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{outputDir, cacheDir} {
		if dir == "" {
			continue
		}
		if force {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}
			logger.Info("directory cleared", zap.String("dir", dir))
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// AppendInvalid adds one entry to invalid_urls.json. It is safe for
// concurrent use within one process.
func (s *Store) AppendInvalid(url, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(InvalidFile)
	var list []crawler.InvalidURL
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &list); err != nil {
			s.logger.Warn("invalid urls file is corrupt, starting over", zap.String("path", path), zap.Error(err))
			list = nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", path, err)
	}

	list = append(list, crawler.InvalidURL{URL: url, Reason: reason})
	payload, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal invalid urls: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create output dir %s: %w", s.dir, err)
	}
	if err := local.WriteFileAtomic(path, payload); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

type urlset struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

// WriteSitemap writes v-sitemap.xml, the union of the original sitemap URLs
// and the discovered URLs, and returns its path.
func (s *Store) WriteSitemap(r *crawler.CrawlResults) (string, error) {
	snap := r.Snapshot()
	var locs []string
	for _, u := range slices.Concat(snap.OriginalSitemapURLs, snap.DiscoveredURLs) {
		if u != "" && !slices.Contains(locs, u) {
			locs = append(locs, u)
		}
	}

	doc := urlset{Xmlns: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	for _, loc := range locs {
		doc.URLs = append(doc.URLs, sitemapURL{Loc: loc})
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sitemap: %w", err)
	}
	payload := append([]byte(xml.Header), body...)
	payload = append(payload, '\n')

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", s.dir, err)
	}
	path := s.Path(SitemapFile)
	if err := local.WriteFileAtomic(path, payload); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Info("virtual sitemap written", zap.String("path", path), zap.Int("urls", len(locs)))
	return path, nil
}
