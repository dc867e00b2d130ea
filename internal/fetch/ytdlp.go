// Package fetch downloads media URLs to local audio files with yt-dlp.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/boombox/internal/config"
)

var log = logging.Logger("fetch")

const UnknownTitle = "Unknown Title"

var ErrNoOutput = errors.New("no audio file was produced")

// Result is a fetched file and its title.
type Result struct {
	Path  string
	Title string
}

// YTDLP runs the yt-dlp binary. Concurrent fetches of the same URL share one
// download.
type YTDLP struct {
	cfg     config.Fetcher
	workDir string
	group   singleflight.Group
}

// New returns a fetcher writing below workDir. Each download gets its own
// subdirectory.
func New(cfg config.Fetcher, workDir string) *YTDLP {
	return &YTDLP{cfg: cfg, workDir: workDir}
}

func (y *YTDLP) Fetch(ctx context.Context, url string) (Result, error) {
	v, err, shared := y.group.Do(url, func() (any, error) {
		return y.fetch(ctx, url)
	})
	if shared {
		log.Debugf("shared download of %s", url)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (y *YTDLP) fetch(ctx context.Context, url string) (Result, error) {
	dir := filepath.Join(y.workDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create download dir: %w", err)
	}

	title := y.title(ctx, url)
	ext := "." + strings.TrimPrefix(y.cfg.AudioFormat, ".")
	output := filepath.Join(dir, fmt.Sprintf("audio_%d.%%(ext)s", time.Now().UnixNano()))

	args := []string{"-x", "--audio-format", y.cfg.AudioFormat}
	if y.cfg.AudioQuality != "" {
		args = append(args, "--audio-quality", y.cfg.AudioQuality)
	}
	if y.cfg.FFmpegLocation != "" {
		args = append(args, "--ffmpeg-location", y.cfg.FFmpegLocation)
	}
	args = append(args, "--output", output, url)

	log.Infof("downloading %s", url)
	cmd := exec.CommandContext(ctx, y.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(dir)
		return Result{}, downloadError(err, stderr.String())
	}

	path, err := waitForFile(ctx, dir, ext, y.cfg.FileWait())
	if err != nil {
		_ = os.RemoveAll(dir)
		return Result{}, err
	}
	log.Infof("downloaded %s to %s", url, path)
	return Result{Path: path, Title: title}, nil
}

func downloadError(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("yt-dlp download failed: exit code %d: %s", exitErr.ExitCode(), stderr)
	}
	return fmt.Errorf("yt-dlp download failed: %w", err)
}

// title asks yt-dlp for the media title, falling back to UnknownTitle.
func (y *YTDLP) title(ctx context.Context, url string) string {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.TitleTimeoutDuration())
	defer cancel()

	out, err := exec.CommandContext(ctx, y.cfg.Binary, "--get-title", url).Output()
	if err != nil {
		log.Warnf("title lookup for %s: %v", url, err)
		return UnknownTitle
	}
	return SanitizeTitle(string(out))
}

// SanitizeTitle strips control characters and line breaks.
func SanitizeTitle(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownTitle
	}
	return s
}

// waitForFile returns the first file in dir with extension ext, waiting up
// to wait for it to appear. The post-processor may still be renaming its
// output when the download command returns.
func waitForFile(ctx context.Context, dir, ext string, wait time.Duration) (string, error) {
	if p, ok := findFile(dir, ext); ok {
		return p, nil
	}
	if wait <= 0 {
		return "", ErrNoOutput
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("watch download dir: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return "", fmt.Errorf("watch download dir: %w", err)
	}

	// Re-check after the watch is in place so a file created in between is not missed.
	if p, ok := findFile(dir, ext); ok {
		return p, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return "", ErrNoOutput
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				if p, ok := findFile(dir, ext); ok {
					return p, nil
				}
			}
		case err, ok := <-w.Errors:
			if ok {
				log.Warnf("watch %s: %v", dir, err)
			}
		case <-timer.C:
			return "", ErrNoOutput
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func findFile(dir, ext string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}
