package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// fakeRunner records invocations and lets each test decide what a tool
// produces on disk.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(name string, args []string) (string, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{name: name, args: args})
	r.mu.Unlock()
	if r.handle == nil {
		return "", nil
	}
	return r.handle(name, args)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
}

func newTestPipeline(t *testing.T, r *fakeRunner, cfg Config) *Pipeline {
	t.Helper()
	cfg.DownloadsDir = t.TempDir()
	p, err := New(cfg, r)
	require.NoError(t, err)
	return p
}

func TestFileName(t *testing.T) {
	name := FileName("audio", "opus")
	assert.True(t, strings.HasPrefix(name, "audio_"))
	assert.True(t, strings.HasSuffix(name, ".opus"))
	assert.Len(t, strings.Split(name, "_"), 3)
	assert.NotEqual(t, name, FileName("audio", "opus"))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "yt-dlp", cfg.YtDlpPath)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, int64(DefaultMaxConcurrent), cfg.MaxConcurrent)
	assert.Equal(t, float64(DefaultVideoMessageLimitMB), cfg.VideoMessageLimitMB)
	assert.Equal(t, DefaultUploadLimitMB, cfg.UploadLimitMB)
	assert.NotEmpty(t, cfg.DownloadsDir)
}

func TestPipeline_DownloadAudio(t *testing.T) {
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		writeFile(t, argAfter(args, "-o"), 10)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{YtDlpPath: "/opt/yt-dlp"})

	path, err := p.DownloadAudio(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, ".opus", filepath.Ext(path))

	require.Len(t, r.calls, 1)
	assert.Equal(t, "/opt/yt-dlp", r.calls[0].name)
	assert.Equal(t, "opus", argAfter(r.calls[0].args, "--audio-format"))
	assert.Equal(t, "-ar 48000", argAfter(r.calls[0].args, "--postprocessor-args"))
	assert.Equal(t, "https://example.com/v", r.calls[0].args[len(r.calls[0].args)-1])
}

func TestPipeline_DownloadAudioFailure(t *testing.T) {
	r := &fakeRunner{handle: func(string, []string) (string, error) {
		return "ERROR: Unsupported URL: https://nope", errors.New("exit status 1")
	}}
	p := newTestPipeline(t, r, Config{})

	_, err := p.DownloadAudio(context.Background(), "https://nope")
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "yt-dlp", toolErr.Tool)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.NotErrorIs(t, err, ErrFileTooLarge)
}

func TestPipeline_DownloadVideoMP4(t *testing.T) {
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		out := strings.Replace(argAfter(args, "-o"), "%(ext)s", "mp4", 1)
		writeFile(t, out, 1024)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{})

	v, err := p.DownloadVideo(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.FileExists(t, v.Path)
	assert.False(t, v.SendAsFile)
	assert.Len(t, r.calls, 1, "mp4 downloads are not converted")
	assert.Equal(t, "100M", argAfter(r.calls[0].args, "--max-filesize"))
	assert.Equal(t, "res:720,+size,+br", argAfter(r.calls[0].args, "--format-sort"))
}

func TestPipeline_DownloadVideoConvertsAndSendsLargeAsFile(t *testing.T) {
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		if name == "yt-dlp" {
			writeFile(t, strings.Replace(argAfter(args, "-o"), "%(ext)s", "webm", 1), 2*1024*1024)
			return "", nil
		}
		writeFile(t, args[len(args)-1], 100)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{VideoMessageLimitMB: 1})

	v, err := p.DownloadVideo(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.True(t, v.SendAsFile)
	assert.InDelta(t, 2.0, v.SizeMB, 0.01)
	assert.Equal(t, ".mp4", filepath.Ext(v.Path))

	require.Len(t, r.calls, 2)
	assert.Equal(t, "ffmpeg", r.calls[1].name)
	assert.Equal(t, "libx264", argAfter(r.calls[1].args, "-c:v"))

	entries, err := os.ReadDir(p.Config().DownloadsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the source download is removed after conversion")
}

func TestPipeline_DownloadVideoErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		r := &fakeRunner{handle: func(string, []string) (string, error) {
			return "File is larger than max-filesize (200000000 bytes > 104857600 bytes). Aborting.", errors.New("exit status 1")
		}}
		p := newTestPipeline(t, r, Config{})
		_, err := p.DownloadVideo(context.Background(), "https://example.com/big")
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})

	t.Run("nothing written", func(t *testing.T) {
		p := newTestPipeline(t, &fakeRunner{}, Config{})
		_, err := p.DownloadVideo(context.Background(), "https://example.com/v")
		assert.ErrorIs(t, err, ErrFileNotFound)
	})
}

func TestPipeline_Sticker(t *testing.T) {
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		writeFile(t, args[len(args)-1], 10)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{})

	meta := StickerMetadata{Pack: "miaubot", Author: "Ana"}
	path, err := p.Sticker(context.Background(), []byte("img"), "image/jpeg", meta)
	require.NoError(t, err)
	assert.Equal(t, ".webp", filepath.Ext(path))
	assert.NotContains(t, r.calls[0].args, "-loop")
	assert.Empty(t, argAfter(r.calls[0].args, "-t"))

	_, err = p.Sticker(context.Background(), []byte("vid"), "video/mp4", meta)
	require.NoError(t, err)
	assert.Equal(t, "5", argAfter(r.calls[1].args, "-t"))
	assert.Contains(t, argAfter(r.calls[1].args, "-vf"), "fps=15")

	_, err = p.Sticker(context.Background(), nil, "image/png", meta)
	assert.Error(t, err)
}

func TestPipeline_StickerCarriesPackMetadata(t *testing.T) {
	webp := buildWebP(losslessChunk(512, 512, true))
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		require.NoError(t, os.WriteFile(args[len(args)-1], webp, 0644))
		return "", nil
	}
	p := newTestPipeline(t, r, Config{})

	path, err := p.Sticker(context.Background(), []byte("img"), "image/png", StickerMetadata{Pack: "miaubot", Author: "Ana"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	chunks, err := parseWebP(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"VP8X", "VP8L", "EXIF"}, chunkIDs(chunks))
	got := decodeStickerExif(t, chunks[2])
	assert.Equal(t, "miaubot", got.Name)
	assert.Equal(t, "Ana", got.Publisher)
}

func TestPipeline_StickerKeepsUntaggableOutput(t *testing.T) {
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		writeFile(t, args[len(args)-1], 10)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{})

	path, err := p.Sticker(context.Background(), []byte("img"), "image/png", StickerMetadata{Pack: "miaubot"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), data)
}

func TestPipeline_BoundsConcurrency(t *testing.T) {
	var running, peak int32
	r := &fakeRunner{}
	r.handle = func(name string, args []string) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		writeFile(t, argAfter(args, "-o"), 1)
		return "", nil
	}
	p := newTestPipeline(t, r, Config{MaxConcurrent: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.DownloadAudio(context.Background(), "https://example.com/v")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestPipeline_CancelledWhileWaiting(t *testing.T) {
	block := make(chan struct{})
	r := &fakeRunner{handle: func(string, []string) (string, error) {
		<-block
		return "", nil
	}}
	p := newTestPipeline(t, r, Config{MaxConcurrent: 1})

	go p.DownloadAudio(context.Background(), "https://example.com/a")
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.calls) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.DownloadAudio(ctx, "https://example.com/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	writeFile(t, path, 1)

	Cleanup(path, filepath.Join(dir, "missing"), "")
	assert.NoFileExists(t, path)
}
