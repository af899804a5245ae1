package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	extRego = ".rego"
	extJSON = ".json"
)

// reloadDelay is how long the watcher waits for file events to settle.
const reloadDelay = 500 * time.Millisecond

// cachedPolicy is a parsed file together with the hash of the bytes it was
// parsed from.
type cachedPolicy struct {
	sum    uint64
	policy *Policy
}

// Loader reads policies from .rego sources and JSON policy definitions. A
// path may name a file or a directory, which is walked recursively.
//
// Parsed files are cached by content hash: a file is only parsed again when
// its bytes change.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy under paths. A missing path is an error;
// an unreadable file inside a directory is logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Debug().
		Int("policies", len(out)).
		Strs("paths", paths).
		Msg("Policies loaded")
	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	p, err := l.loadFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		out = append(out, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return out, nil
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	if !isPolicyFile(path) {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := xxhash.Sum64(data)

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.sum == sum {
		return cached.policy, nil
	}

	var p *Policy
	if filepath.Ext(path) == extRego {
		p = l.parseRegoFile(path, data)
	} else if p, err = l.parseJSONFile(path, data); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{sum: sum, policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// parseRegoFile names the policy after the file and takes its description
// from the leading comment block.
func (l *Loader) parseRegoFile(path string, data []byte) *Policy {
	src := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), extRego),
		Description: l.extractDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Source:      path,
		LoadedAt:    time.Now(),
	}
}

// parseJSONFile decodes a policy definition. Fields the file leaves out
// default to an enabled error-severity policy named after the file.
func (l *Loader) parseJSONFile(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy definition %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), extJSON)
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Builtin = false
	p.Source = path
	p.LoadedAt = time.Now()
	return &p, nil
}

// extractDescription joins the comment lines at the top of a rego source.
func (l *Loader) extractDescription(src string) string {
	var parts []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}

// Watch reloads paths whenever a policy file under them changes and hands
// the result to apply. Bursts of events are coalesced. Watching stops when
// ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addWatch registers every directory under path. Files are watched through
// their parent directory since editors replace them on save.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 {
				continue
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Stringer("op", event.Op).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case extRego, extJSON:
		return true
	}
	return false
}
