// Package media downloads and converts the files the bot sends back.
//
// Downloads go through yt-dlp and conversions through ffmpeg, both run as
// external processes. At most Config.MaxConcurrent jobs run at once; further
// callers wait for a slot or for their context to end.
package media

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

	"github.com/google/uuid"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultVideoMessageLimitMB is the largest video sent as a playable
	// video message; bigger files are sent as documents.
	DefaultVideoMessageLimitMB = 15
	// DefaultUploadLimitMB caps what yt-dlp is allowed to download.
	DefaultUploadLimitMB = 100
	DefaultMaxConcurrent = 2
	DefaultJobTimeout    = 10 * time.Minute

	StickerDimension = 512
	stickerMaxSecs   = 5
	stickerFPS       = 15
)

// Errors
var (
	ErrFileTooLarge      = errors.New("file too large")
	ErrUnsupportedFormat = errors.New("format not supported or media unavailable")
	ErrFileNotFound      = errors.New("downloaded file not found")
)

// Config configures the pipeline. Zero values select defaults.
type Config struct {
	DownloadsDir        string
	YtDlpPath           string
	FFmpegPath          string
	MaxConcurrent       int64
	VideoMessageLimitMB float64
	UploadLimitMB       int
	JobTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.DownloadsDir == "" {
		c.DownloadsDir = filepath.Join(os.TempDir(), "miaubot", "downloads")
	}
	if c.YtDlpPath == "" {
		c.YtDlpPath = "yt-dlp"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.VideoMessageLimitMB <= 0 {
		c.VideoMessageLimitMB = DefaultVideoMessageLimitMB
	}
	if c.UploadLimitMB <= 0 {
		c.UploadLimitMB = DefaultUploadLimitMB
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	return c
}

// Runner executes an external tool and returns its stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// ToolError is a failed external tool run.
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is maps well-known yt-dlp failures onto the package sentinels.
func (e *ToolError) Is(target error) bool {
	out := strings.ToLower(e.Stderr)
	switch target {
	case ErrFileTooLarge:
		return strings.Contains(out, "max-filesize") || strings.Contains(out, "file too large")
	case ErrUnsupportedFormat:
		return strings.Contains(out, "no video formats found") ||
			strings.Contains(out, "no formats found") ||
			strings.Contains(out, "not available") ||
			strings.Contains(out, "unsupported url")
	}
	return false
}

// Video is a downloaded video ready to send.
type Video struct {
	Path   string
	SizeMB float64
	// SendAsFile is set when the video exceeds the video message limit.
	SendAsFile bool
}

// Pipeline runs downloads and conversions with bounded concurrency.
type Pipeline struct {
	cfg    Config
	runner Runner
	sem    *semaphore.Weighted
}

// New creates the downloads directory and returns a pipeline. runner may be
// nil to use ExecRunner.
func New(cfg Config, runner Runner) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DownloadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create downloads directory: %w", err)
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Pipeline{
		cfg:    cfg,
		runner: runner,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// FileName returns a unique name of the form prefix_timestamp_id.ext.
func FileName(prefix, ext string) string {
	return fmt.Sprintf("%s_%d_%s.%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8], ext)
}

// SizeMB returns the size of path in megabytes.
func SizeMB(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()) / (1024 * 1024), nil
}

// job acquires a slot and bounds the run with the job timeout.
func (p *Pipeline) job(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire media slot: %w", err)
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Pipeline) run(ctx context.Context, tool string, args ...string) error {
	bin := tool
	switch tool {
	case "yt-dlp":
		bin = p.cfg.YtDlpPath
	case "ffmpeg":
		bin = p.cfg.FFmpegPath
	}

	start := time.Now()
	stderr, err := p.runner.Run(ctx, bin, args...)
	log := logger.WithFields(logrus.Fields{
		"component": "media",
		"tool":      tool,
		"duration":  time.Since(start).String(),
	})
	if err != nil {
		log.WithField("error", err).Error("media-tool-failed")
		return &ToolError{Tool: tool, Stderr: stderr, Err: err}
	}
	log.Debug("media-tool-finished")
	return nil
}

// DownloadAudio extracts the audio track of url as opus.
func (p *Pipeline) DownloadAudio(ctx context.Context, url string) (string, error) {
	out := filepath.Join(p.cfg.DownloadsDir, FileName("audio", "opus"))
	err := p.job(ctx, func(ctx context.Context) error {
		logger.WithFields(logrus.Fields{
			"component": "media",
			"url":       url,
			"output":    out,
		}).Info("downloading-audio")
		return p.run(ctx, "yt-dlp",
			"-x",
			"--audio-format", "opus",
			"--audio-quality", "0",
			"--postprocessor-args", "-ar 48000",
			"-o", out,
			url,
		)
	})
	if err != nil {
		Cleanup(out)
		return "", err
	}
	return out, nil
}

// DownloadVideo downloads url capped at 720p and the upload limit, and
// converts it to mp4 when needed.
func (p *Pipeline) DownloadVideo(ctx context.Context, url string) (*Video, error) {
	var video *Video
	err := p.job(ctx, func(ctx context.Context) error {
		base := strings.TrimSuffix(FileName("video_temp", "x"), ".x")
		tmpl := filepath.Join(p.cfg.DownloadsDir, base+".%(ext)s")

		logger.WithFields(logrus.Fields{
			"component": "media",
			"url":       url,
		}).Info("downloading-video")

		if err := p.run(ctx, "yt-dlp",
			"--format-sort", "res:720,+size,+br",
			"--max-filesize", fmt.Sprintf("%dM", p.cfg.UploadLimitMB),
			"-o", tmpl,
			url,
		); err != nil {
			return err
		}

		downloaded, err := p.findDownloaded(base)
		if err != nil {
			return err
		}
		size, err := SizeMB(downloaded)
		if err != nil {
			return fmt.Errorf("failed to stat download: %w", err)
		}

		final := filepath.Join(p.cfg.DownloadsDir, FileName("video", "mp4"))
		if strings.EqualFold(filepath.Ext(downloaded), ".mp4") {
			if err := os.Rename(downloaded, final); err != nil {
				Cleanup(downloaded)
				return fmt.Errorf("failed to move download: %w", err)
			}
		} else if err := p.convertToMP4(ctx, downloaded, final); err != nil {
			return err
		}

		video = &Video{
			Path:       final,
			SizeMB:     size,
			SendAsFile: size > p.cfg.VideoMessageLimitMB,
		}
		logger.WithFields(logrus.Fields{
			"component":    "media",
			"path":         final,
			"size_mb":      fmt.Sprintf("%.2f", size),
			"send_as_file": video.SendAsFile,
		}).Info("video-ready")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (p *Pipeline) findDownloaded(base string) (string, error) {
	entries, err := os.ReadDir(p.cfg.DownloadsDir)
	if err != nil {
		return "", fmt.Errorf("failed to list downloads: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base) {
			return filepath.Join(p.cfg.DownloadsDir, e.Name()), nil
		}
	}
	return "", ErrFileNotFound
}

func (p *Pipeline) convertToMP4(ctx context.Context, in, out string) error {
	defer Cleanup(in)
	err := p.run(ctx, "ffmpeg",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-vf", "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
		"-y", out,
	)
	if err != nil {
		Cleanup(out)
		return fmt.Errorf("failed to convert video: %w", err)
	}
	return nil
}

// Sticker converts image or video bytes into a 512x512 webp sticker tagged
// with meta and returns its path. Videos are cut to the first five seconds.
func (p *Pipeline) Sticker(ctx context.Context, data []byte, mimeType string, meta StickerMetadata) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty media")
	}
	if float64(len(data))/(1024*1024) > float64(p.cfg.UploadLimitMB) {
		return "", ErrFileTooLarge
	}

	isVideo := strings.HasPrefix(mimeType, "video/") || mimeType == "image/gif"
	in := filepath.Join(p.cfg.DownloadsDir, FileName("sticker_src", extensionFor(mimeType)))
	out := filepath.Join(p.cfg.DownloadsDir, FileName("sticker", "webp"))

	err := p.job(ctx, func(ctx context.Context) error {
		if err := os.WriteFile(in, data, 0644); err != nil {
			return fmt.Errorf("failed to write sticker source: %w", err)
		}
		defer Cleanup(in)
		if err := p.run(ctx, "ffmpeg", stickerArgs(in, out, isVideo)...); err != nil {
			return err
		}
		tagSticker(out, meta)
		return nil
	})
	if err != nil {
		Cleanup(out)
		return "", err
	}
	return out, nil
}

// tagSticker writes meta into the sticker at path. A sticker that cannot be
// tagged is still sent, just without pack information.
func tagSticker(path string, meta StickerMetadata) {
	log := logger.WithFields(logrus.Fields{
		"path": path,
		"pack": meta.Pack,
	})
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("error", err).Warn("failed-to-read-sticker-for-exif")
		return
	}
	exif, err := stickerExif(meta)
	if err != nil {
		log.WithField("error", err).Warn("failed-to-build-sticker-exif")
		return
	}
	tagged, err := embedExif(data, exif)
	if err != nil {
		log.WithField("error", err).Warn("failed-to-embed-sticker-exif")
		return
	}
	if err := os.WriteFile(path, tagged, 0644); err != nil {
		log.WithField("error", err).Warn("failed-to-write-sticker-exif")
	}
}

func stickerArgs(in, out string, animated bool) []string {
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,format=rgba,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=0x00000000",
		StickerDimension, StickerDimension, StickerDimension, StickerDimension)
	args := []string{"-y", "-i", in}
	if animated {
		args = append(args, "-t", fmt.Sprint(stickerMaxSecs))
		filter += fmt.Sprintf(",fps=%d", stickerFPS)
	}
	args = append(args,
		"-vf", filter,
		"-c:v", "libwebp",
		"-lossless", "0",
		"-compression_level", "6",
		"-q:v", "80",
	)
	if animated {
		args = append(args, "-loop", "0", "-vsync", "0")
	}
	return append(args, "-an", out)
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "png"):
		return "png"
	case strings.Contains(mimeType, "webp"):
		return "webp"
	case strings.Contains(mimeType, "gif"):
		return "gif"
	case strings.HasPrefix(mimeType, "video/"):
		return "mp4"
	default:
		return "jpg"
	}
}

// Cleanup removes files, logging failures other than absence.
func Cleanup(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WithFields(logrus.Fields{
				"component": "media",
				"path":      path,
				"error":     err,
			}).Warn("failed-to-remove-temporary-file")
		}
	}
}
