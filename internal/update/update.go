// Package update checks GitHub releases for a newer agent version and can
// stage a release archive on disk for installation. All update settings
// live under the nested "update" state key so operator changes survive
// restarts.
package update

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mitra/internal/config"
	"mitra/internal/models"
	"mitra/internal/notify"
	"mitra/internal/state"
)

// DefaultAPIBase is the GitHub REST endpoint root.
const DefaultAPIBase = "https://api.github.com"

// State store keys owned by this package.
const (
	keySettings        = "update"
	keyPendingRelease  = "pending_release"
	keyLastCheck       = "last_update_check"
	keyNotifiedVersion = "last_notified_version"
	keyInstalled       = "installed_version"
)

// ErrNoRepo is returned when no GitHub repository is configured.
var ErrNoRepo = errors.New("no github repository configured")

// ErrNoRelease is returned when the repository has no matching release.
var ErrNoRelease = errors.New("no release found")

// release mirrors the fields we need from the GitHub releases API.
type release struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Body       string `json:"body"`
	HTMLURL    string `json:"html_url"`
	ZipballURL string `json:"zipball_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// Checker talks to the GitHub releases API and keeps the result in the
// state store so repeated status commands do not re-fetch.
type Checker struct {
	client     *http.Client
	store      *state.Store
	logger     *slog.Logger
	version    string
	apiBase    string
	stagingDir string
	now        func() time.Time

	mu       sync.Mutex
	settings config.UpdateSettings
}

// NewChecker builds a checker running as the given version. stagingDir is
// where Install unpacks release archives.
func NewChecker(client *http.Client, store *state.Store, settings config.UpdateSettings, version, stagingDir string, logger *slog.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Checker{
		client:     client,
		store:      store,
		logger:     logger.With("component", "update"),
		version:    version,
		apiBase:    DefaultAPIBase,
		stagingDir: stagingDir,
		now:        time.Now,
		settings:   settings,
	}
}

// Settings returns a copy of the current update settings.
func (c *Checker) Settings() config.UpdateSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Version returns the running agent version.
func (c *Checker) Version() string { return c.version }

// Check fetches the newest matching release. Unless force is set, a check
// within the configured interval returns the cached result instead of
// hitting the API.
func (c *Checker) Check(ctx context.Context, force bool) (*models.ReleaseInfo, error) {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()

	if settings.GitHubRepo == "" {
		return nil, ErrNoRepo
	}

	if !force {
		if cached, ok := c.cached(settings); ok {
			return cached, nil
		}
	}

	var (
		rel *release
		err error
	)
	if settings.IncludePrerelease {
		rel, err = c.newestRelease(ctx, settings.GitHubRepo)
	} else {
		rel, err = c.latestRelease(ctx, settings.GitHubRepo)
	}
	if err != nil {
		return nil, err
	}

	info := &models.ReleaseInfo{
		Version:    strings.TrimPrefix(rel.TagName, "v"),
		Notes:      rel.Body,
		HTMLURL:    rel.HTMLURL,
		ZipballURL: rel.ZipballURL,
		FetchedAt:  c.now().UTC(),
	}

	if err := c.store.Update(func(data map[string]json.RawMessage) {
		setJSON(data, keyPendingRelease, info)
		setJSON(data, keyLastCheck, info.FetchedAt.Format(time.RFC3339))
	}); err != nil {
		c.logger.Error("persisting release check failed", "error", err)
	}
	return info, nil
}

// cached returns the stored release when the last check is fresh enough.
func (c *Checker) cached(settings config.UpdateSettings) (*models.ReleaseInfo, bool) {
	last := c.store.Time(keyLastCheck)
	if last.IsZero() {
		return nil, false
	}
	interval := time.Duration(settings.CheckIntervalSeconds) * time.Second
	if interval <= 0 || c.now().Sub(last) >= interval {
		return nil, false
	}

	var info models.ReleaseInfo
	if !c.store.Get(keyPendingRelease, &info) {
		return nil, false
	}
	return &info, true
}

// Available reports whether info names a version other than the one
// currently running. Versions compare after stripping a leading "v".
func (c *Checker) Available(info *models.ReleaseInfo) bool {
	if info == nil || info.Version == "" {
		return false
	}
	return info.Version != strings.TrimPrefix(c.version, "v")
}

// NotifyIfAvailable is the auto-check loop body. It checks for a release
// and notifies the destination once per version.
func (c *Checker) NotifyIfAvailable(ctx context.Context, notifier notify.Notifier, dest notify.Destination) error {
	c.mu.Lock()
	enabled := c.settings.Enabled
	c.mu.Unlock()
	if !enabled {
		return nil
	}

	info, err := c.Check(ctx, false)
	if err != nil {
		if errors.Is(err, ErrNoRepo) || errors.Is(err, ErrNoRelease) {
			return nil
		}
		return err
	}
	if !c.Available(info) {
		return nil
	}
	if c.store.String(keyNotifiedVersion, "") == info.Version {
		return nil
	}

	msg := fmt.Sprintf("Update available: %s (running %s).\n%s", info.Version, c.version, info.HTMLURL)
	if err := notifier.Notify(ctx, dest, msg); err != nil {
		return err
	}
	if err := c.store.Set(keyNotifiedVersion, info.Version); err != nil {
		c.logger.Error("persisting notified version failed", "error", err)
	}
	return nil
}

// Install downloads the release zipball and unpacks it into the staging
// directory. It records the version and clears the pending-release keys;
// activating the staged tree is the operator's restart.
func (c *Checker) Install(ctx context.Context, info *models.ReleaseInfo) (string, error) {
	if info == nil || info.ZipballURL == "" {
		return "", ErrNoRelease
	}
	if c.stagingDir == "" {
		return "", errors.New("no staging directory configured")
	}

	archive, err := c.download(ctx, info.ZipballURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	dest := filepath.Join(c.stagingDir, "mitra-"+info.Version)
	if err := unpack(archive, dest); err != nil {
		return "", err
	}

	if err := c.store.Update(func(data map[string]json.RawMessage) {
		setJSON(data, keyInstalled, info.Version)
		delete(data, keyPendingRelease)
		delete(data, keyNotifiedVersion)
	}); err != nil {
		c.logger.Error("persisting install record failed", "error", err)
	}

	c.logger.Info("release staged", "version", info.Version, "dir", dest)
	return dest, nil
}

// Dismiss clears the pending release notice without installing.
func (c *Checker) Dismiss() error {
	return c.store.Update(func(data map[string]json.RawMessage) {
		delete(data, keyPendingRelease)
		delete(data, keyNotifiedVersion)
	})
}

// Pending returns the stored release from the last check, if any.
func (c *Checker) Pending() (*models.ReleaseInfo, bool) {
	var info models.ReleaseInfo
	if !c.store.Get(keyPendingRelease, &info) {
		return nil, false
	}
	return &info, true
}

// SetEnabled toggles the periodic auto check.
func (c *Checker) SetEnabled(on bool) error {
	return c.mutate(func(s *config.UpdateSettings) { s.Enabled = on })
}

// SetStartupCheck toggles the check performed once at startup.
func (c *Checker) SetStartupCheck(on bool) error {
	return c.mutate(func(s *config.UpdateSettings) { s.StartupCheck = on })
}

// SetInterval changes the auto-check interval. Values under a minute are
// rejected.
func (c *Checker) SetInterval(seconds int) error {
	if seconds < 60 {
		return fmt.Errorf("interval %ds too short, minimum is 60s", seconds)
	}
	return c.mutate(func(s *config.UpdateSettings) { s.CheckIntervalSeconds = seconds })
}

// SetRepo changes the GitHub repository ("owner/name").
func (c *Checker) SetRepo(repo string) error {
	repo = strings.TrimSpace(repo)
	if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repository %q is not owner/name", repo)
	}
	return c.mutate(func(s *config.UpdateSettings) { s.GitHubRepo = repo })
}

// SetBeta toggles whether prereleases count as updates.
func (c *Checker) SetBeta(on bool) error {
	return c.mutate(func(s *config.UpdateSettings) { s.IncludePrerelease = on })
}

func (c *Checker) mutate(fn func(*config.UpdateSettings)) error {
	c.mu.Lock()
	fn(&c.settings)
	settings := c.settings
	c.mu.Unlock()
	return c.store.Set(keySettings, settings)
}

func (c *Checker) latestRelease(ctx context.Context, repo string) (*release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.apiBase, repo)
	var rel release
	if err := c.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}
	if rel.TagName == "" {
		return nil, ErrNoRelease
	}
	return &rel, nil
}

func (c *Checker) newestRelease(ctx context.Context, repo string) (*release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=10", c.apiBase, repo)
	var releases []release
	if err := c.getJSON(ctx, url, &releases); err != nil {
		return nil, err
	}
	for i := range releases {
		if releases[i].Draft {
			continue
		}
		return &releases[i], nil
	}
	return nil, ErrNoRelease
}

func (c *Checker) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNoRelease
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
}

func (c *Checker) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.CreateTemp("", "mitra-release-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// unpack extracts a zip archive into dest, stripping the single top-level
// directory GitHub puts in zipballs. Entries escaping dest are rejected.
func unpack(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, f := range r.File {
		name := f.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if rel, err := filepath.Rel(dest, target); err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, copyErr := io.Copy(out, src)
		src.Close()
		if err := out.Close(); copyErr == nil {
			copyErr = err
		}
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

func setJSON(data map[string]json.RawMessage, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	data[key] = raw
}
