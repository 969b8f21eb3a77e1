package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keepmind9/miaubot/internal/connection"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/mdp/qrterminal/v3"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

// qrImageSize is the PNG edge length in pixels.
const qrImageSize = 256

// QRPairer renders WhatsApp pairing codes as terminal QR codes, and
// optionally as a PNG file for headless hosts.
type QRPairer struct {
	Out       io.Writer
	ImagePath string
}

// NewQRPairer creates a pairer writing to stdout.
func NewQRPairer(imagePath string) *QRPairer {
	return &QRPairer{Out: os.Stdout, ImagePath: imagePath}
}

// Pair implements connection.Pairer. Codes are rendered in the background
// until ctx ends or the socket stops producing them.
func (p *QRPairer) Pair(ctx context.Context, sock connection.Socket) error {
	src, ok := sock.(connection.PairingSource)
	if !ok {
		return fmt.Errorf("%s sessions cannot be paired by code", sock.Platform())
	}
	codes, err := src.PairingCodes(ctx)
	if err != nil {
		return err
	}

	go func() {
		n := 0
		for code := range codes {
			n++
			p.render(code, n)
		}
		p.cleanup()
	}()
	return nil
}

func (p *QRPairer) render(code string, n int) {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "\nScan this code with WhatsApp (Linked devices), code #%d:\n\n", n)
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         out,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		QuietZone:      qrterminal.QUIET_ZONE,
	})

	if p.ImagePath == "" {
		return
	}
	if err := writeQRImage(code, p.ImagePath); err != nil {
		logger.WithFields(logrus.Fields{
			"component": "pairing",
			"path":      p.ImagePath,
			"error":     err,
		}).Warn("failed-to-write-qr-image")
		return
	}
	logger.WithField("path", p.ImagePath).Info("qr-image-written")
}

func (p *QRPairer) cleanup() {
	if p.ImagePath == "" {
		return
	}
	if err := os.Remove(p.ImagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithField("error", err).Debug("failed-to-remove-qr-image")
	}
}

func writeQRImage(code, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return qrcode.WriteFile(code, qrcode.Medium, qrImageSize, path)
}
