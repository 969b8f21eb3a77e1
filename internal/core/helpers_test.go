package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/internal/media"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type sentText struct {
	chat string
	text string
}

type sentMedia struct {
	chat  string
	media connection.Media
}

// fakeSocket records what the engine sends. onOpen runs inside Open.
type fakeSocket struct {
	platform string
	self     string
	listener func(connection.Event)
	onOpen   func(s *fakeSocket)

	mu        sync.Mutex
	texts     []sentText
	media     []sentMedia
	sendErr   error
	mediaErr  error
	closes    int
	download  []byte
	mime      string
	dlErr     error
	downloads []connection.Message
}

func (s *fakeSocket) Platform() string { return s.platform }
func (s *fakeSocket) SelfID() string   { return s.self }
func (s *fakeSocket) Registered() bool { return true }

func (s *fakeSocket) Open(ctx context.Context) error {
	if s.onOpen != nil {
		s.onOpen(s)
	}
	return nil
}

func (s *fakeSocket) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) SaveCredentials(ctx context.Context) error { return nil }

func (s *fakeSocket) SendText(ctx context.Context, chat, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.texts = append(s.texts, sentText{chat: chat, text: text})
	return nil
}

func (s *fakeSocket) SendMedia(ctx context.Context, chat string, m connection.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaErr != nil {
		return s.mediaErr
	}
	s.media = append(s.media, sentMedia{chat: chat, media: m})
	return nil
}

func (s *fakeSocket) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.texts))
	for _, t := range s.texts {
		out = append(out, t.text)
	}
	return out
}

func (s *fakeSocket) sentMedia() []sentMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMedia(nil), s.media...)
}

// downloadSocket adds inbound media support to fakeSocket.
type downloadSocket struct {
	*fakeSocket
}

func (s downloadSocket) DownloadMedia(ctx context.Context, msg connection.Message) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, msg)
	return s.download, s.mime, s.dlErr
}

// fakeMedia is a scripted MediaPipeline writing real temp files, so the
// commands' cleanup can be observed.
type fakeMedia struct {
	dir string

	mu          sync.Mutex
	audioErr    error
	videoErr    error
	stickerErr  error
	sendAsFile  bool
	urls        []string
	stickerIn   []byte
	stickerMeta media.StickerMetadata
	paths       []string
}

func newFakeMedia(t *testing.T) *fakeMedia {
	return &fakeMedia{dir: t.TempDir()}
}

func (f *fakeMedia) file(name string) (string, error) {
	path := filepath.Join(f.dir, name)
	f.paths = append(f.paths, path)
	return path, os.WriteFile(path, []byte("data"), 0o644)
}

func (f *fakeMedia) DownloadAudio(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.audioErr != nil {
		return "", f.audioErr
	}
	return f.file("audio.opus")
}

func (f *fakeMedia) DownloadVideo(ctx context.Context, url string) (*media.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	if f.videoErr != nil {
		return nil, f.videoErr
	}
	path, err := f.file("video.mp4")
	if err != nil {
		return nil, err
	}
	size := 3.2
	if f.sendAsFile {
		size = 42.5
	}
	return &media.Video{Path: path, SizeMB: size, SendAsFile: f.sendAsFile}, nil
}

func (f *fakeMedia) Sticker(ctx context.Context, data []byte, mimeType string, meta media.StickerMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stickerIn = data
	f.stickerMeta = meta
	if f.stickerErr != nil {
		return "", f.stickerErr
	}
	return f.file("sticker.webp")
}

// createdFilesRemoved reports whether every file the fake produced is gone.
func (f *fakeMedia) createdFilesRemoved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.paths {
		if _, err := os.Stat(p); err == nil {
			return false
		}
	}
	return true
}

func mustParseConfig(t *testing.T, yamlText string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(yamlText))
	require.NoError(t, err)
	return cfg
}

func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	t.Cleanup(logger.SetLogger(l))
	return hook
}

func lastMessageWith(hook *test.Hook, msg string) *logrus.Entry {
	entries := hook.AllEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Message == msg {
			return entries[i]
		}
	}
	return nil
}
