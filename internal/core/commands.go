package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/internal/media"
	"github.com/sirupsen/logrus"
)

// MediaPipeline is the part of *media.Pipeline the commands use.
type MediaPipeline interface {
	DownloadAudio(ctx context.Context, url string) (string, error)
	DownloadVideo(ctx context.Context, url string) (*media.Video, error)
	Sticker(ctx context.Context, data []byte, mimeType string, meta media.StickerMetadata) (string, error)
}

var _ MediaPipeline = (*media.Pipeline)(nil)

// commandSet holds what the built-in commands share.
type commandSet struct {
	router  *Router
	media   MediaPipeline
	botName string
}

// RegisterBuiltinCommands adds help, whoami, audio, video and sticker.
// Stickers are published under botName.
func RegisterBuiltinCommands(router *Router, pipeline MediaPipeline, botName string) {
	c := &commandSet{router: router, media: pipeline, botName: botName}
	router.Register(&Command{Name: "help", Run: c.help})
	router.Register(&Command{Name: "whoami", Run: c.whoami})
	router.Register(&Command{Name: "audio", Run: c.audio})
	router.Register(&Command{Name: "video", Run: c.video})
	router.Register(&Command{
		Name:      "sticker",
		Aliases:   []string{"s"},
		Platforms: []string{bot.PlatformWhatsApp},
		Run:       c.sticker,
	})
}

func (c *commandSet) help(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		name := strings.ToLower(req.Args[0])
		cmd, ok := c.router.Lookup(name)
		if !ok {
			return req.Reply(ctx, req.T.T("help.notFound", map[string]string{"command": name}))
		}
		return req.Reply(ctx, req.T.T("help.commandDetails", map[string]string{
			"name":        cmd.Name,
			"description": req.T.T(cmd.Name+".description", nil),
			"usage":       req.T.T(cmd.Name+".usage", nil),
		}))
	}

	var sb strings.Builder
	sb.WriteString(req.T.T("help.availableCommands", nil))
	sb.WriteString("\n\n")
	for _, cmd := range c.router.Commands() {
		if !cmd.supports(req.Socket.Platform()) {
			continue
		}
		fmt.Fprintf(&sb, "*%s%s*: %s\n", req.Prefix, cmd.Name, req.T.T(cmd.Name+".description", nil))
	}
	sb.WriteString("\n")
	sb.WriteString(req.T.T("help.moreDetails", nil))
	return req.Reply(ctx, sb.String())
}

func (c *commandSet) whoami(ctx context.Context, req *Request) error {
	sender := req.Message.Sender
	if sender == "" {
		sender = req.Message.Chat
	}
	name := req.Message.PushName
	if name == "" {
		name = "-"
	}
	return req.Reply(ctx, req.T.T("whoami.details", map[string]string{
		"platform": req.Socket.Platform(),
		"chat":     req.Message.Chat,
		"sender":   sender,
		"name":     name,
	}))
}

func (c *commandSet) audio(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, req.T.T("audio.noUrl", nil))
	}
	url := req.Args[0]
	if err := req.Reply(ctx, req.T.T("audio.providedUrl", map[string]string{"url": url})); err != nil {
		return err
	}

	path, err := c.media.DownloadAudio(ctx, url)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"url":   url,
			"error": err,
		}).Error("failed-to-download-audio")
		return req.Reply(ctx, req.T.T("audio.downloadError", nil))
	}
	defer media.Cleanup(path)

	if err := req.Reply(ctx, req.T.T("audio.downloadComplete", nil)); err != nil {
		return err
	}
	if err := req.Socket.SendMedia(ctx, req.Message.Chat, connection.Media{
		Kind:     connection.MediaAudio,
		Path:     path,
		MimeType: "audio/ogg; codecs=opus",
	}); err != nil {
		logger.WithFields(logrus.Fields{
			"chat":  req.Message.Chat,
			"error": err,
		}).Error("failed-to-send-audio")
		return req.Reply(ctx, req.T.T("audio.generalError", nil))
	}
	return nil
}

func (c *commandSet) video(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, req.T.T("video.noUrl", nil))
	}
	url := req.Args[0]
	if err := req.Reply(ctx, req.T.T("video.providedUrl", map[string]string{"url": url})); err != nil {
		return err
	}

	v, err := c.media.DownloadVideo(ctx, url)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"url":   url,
			"error": err,
		}).Error("failed-to-download-video")
		switch {
		case errors.Is(err, media.ErrFileTooLarge):
			return req.Reply(ctx, req.T.T("video.fileTooLarge", nil))
		case errors.Is(err, media.ErrUnsupportedFormat):
			return req.Reply(ctx, req.T.T("video.unsupportedFormat", nil))
		default:
			return req.Reply(ctx, req.T.T("video.downloadError", nil))
		}
	}
	defer media.Cleanup(v.Path)

	out := connection.Media{Path: v.Path, MimeType: "video/mp4"}
	status := "video.downloadComplete"
	if v.SendAsFile {
		status = "video.downloadCompleteAsFile"
		out.Kind = connection.MediaDocument
		out.Caption = req.T.T("video.videoFileSent", map[string]string{"size": fmt.Sprintf("%.1f", v.SizeMB)})
	} else {
		out.Kind = connection.MediaVideo
		out.Caption = req.T.T("video.videoSent", nil)
	}

	if err := req.Reply(ctx, req.T.T(status, nil)); err != nil {
		return err
	}
	if err := req.Socket.SendMedia(ctx, req.Message.Chat, out); err != nil {
		logger.WithFields(logrus.Fields{
			"chat":         req.Message.Chat,
			"size_mb":      v.SizeMB,
			"send_as_file": v.SendAsFile,
			"error":        err,
		}).Error("failed-to-send-video")
		return req.Reply(ctx, req.T.T("video.generalError", nil))
	}
	return nil
}

func (c *commandSet) sticker(ctx context.Context, req *Request) error {
	target := req.Message
	if !target.HasMedia && target.Quoted != nil && target.Quoted.HasMedia {
		logger.Debug("processing-quoted-message-for-sticker")
		target = *target.Quoted
	}
	if !target.HasMedia {
		return req.Reply(ctx, req.T.T("sticker.noMedia", nil))
	}

	downloader, ok := req.Socket.(connection.MediaDownloader)
	if !ok {
		return req.Reply(ctx, req.T.T("core.unsupported", map[string]string{"platform": req.Socket.Platform()}))
	}

	if err := req.Reply(ctx, req.T.T("sticker.creating", nil)); err != nil {
		return err
	}

	data, mimeType, err := downloader.DownloadMedia(ctx, target)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat":  req.Message.Chat,
			"error": err,
		}).Error("failed-to-download-sticker-media")
		return req.Reply(ctx, req.T.T("sticker.noMediaFound", nil))
	}

	author := req.Message.PushName
	if author == "" {
		author = "Unknown"
	}
	path, err := c.media.Sticker(ctx, data, mimeType, media.StickerMetadata{
		Pack:   c.botName,
		Author: author,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"mime_type": mimeType,
			"error":     err,
		}).Error("failed-to-create-sticker")
		if errors.Is(err, media.ErrFileTooLarge) {
			return req.Reply(ctx, req.T.T("sticker.fileTooLarge", nil))
		}
		return req.Reply(ctx, req.T.T("sticker.processingError", nil))
	}
	defer media.Cleanup(path)

	if err := req.Socket.SendMedia(ctx, req.Message.Chat, connection.Media{
		Kind:     connection.MediaSticker,
		Path:     path,
		MimeType: "image/webp",
	}); err != nil {
		logger.WithFields(logrus.Fields{
			"chat":  req.Message.Chat,
			"error": err,
		}).Error("failed-to-send-sticker")
		return req.Reply(ctx, req.T.T("sticker.error", nil))
	}
	return nil
}
