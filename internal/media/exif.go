package media

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StickerMetadata is the sticker-pack information WhatsApp shows for a
// sticker.
type StickerMetadata struct {
	Pack   string
	Author string
}

const (
	webpFlagExif  = 0x08
	webpFlagAlpha = 0x10
	chunkHeader   = 8
	vp8xChunkSize = 10
)

var errNotWebP = errors.New("not a webp file")

// exifHeader is a little-endian TIFF header with a single 0x5741 tag of
// type UNDEFINED whose value starts right after the header. The value
// length is patched in at offset 14.
var exifHeader = []byte{
	0x49, 0x49, 0x2a, 0x00, 0x08, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x41, 0x57, 0x07, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x16, 0x00, 0x00, 0x00,
}

type stickerExifPayload struct {
	ID        string   `json:"sticker-pack-id"`
	Name      string   `json:"sticker-pack-name"`
	Publisher string   `json:"sticker-pack-publisher"`
	Emojis    []string `json:"emojis"`
}

// stickerExif builds the EXIF blob WhatsApp reads sticker-pack fields from.
func stickerExif(meta StickerMetadata) ([]byte, error) {
	payload, err := json.Marshal(stickerExifPayload{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      meta.Pack,
		Publisher: meta.Author,
		Emojis:    []string{},
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(exifHeader)+len(payload))
	out = append(out, exifHeader...)
	out = append(out, payload...)
	binary.LittleEndian.PutUint32(out[14:18], uint32(len(payload)))
	return out, nil
}

type riffChunk struct {
	id   string
	data []byte
}

func parseWebP(data []byte) ([]riffChunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, errNotWebP
	}
	var chunks []riffChunk
	for pos := 12; pos < len(data); {
		if pos+chunkHeader > len(data) {
			return nil, fmt.Errorf("truncated chunk header at %d", pos)
		}
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		start := pos + chunkHeader
		if start+size > len(data) {
			return nil, fmt.Errorf("chunk %q overruns file", id)
		}
		chunks = append(chunks, riffChunk{id: id, data: data[start : start+size]})
		pos = start + size + size&1
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", errNotWebP)
	}
	return chunks, nil
}

// canvasSize reads the image dimensions from a simple-format bitstream.
func canvasSize(c riffChunk) (width, height int, err error) {
	switch c.id {
	case "VP8 ":
		// 3-byte frame tag, 3-byte start code, then 14-bit width and height.
		if len(c.data) < 10 || c.data[3] != 0x9d || c.data[4] != 0x01 || c.data[5] != 0x2a {
			return 0, 0, errors.New("bad VP8 frame header")
		}
		width = int(binary.LittleEndian.Uint16(c.data[6:8]) & 0x3fff)
		height = int(binary.LittleEndian.Uint16(c.data[8:10]) & 0x3fff)
	case "VP8L":
		if len(c.data) < 5 || c.data[0] != 0x2f {
			return 0, 0, errors.New("bad VP8L header")
		}
		bits := binary.LittleEndian.Uint32(c.data[1:5])
		width = int(bits&0x3fff) + 1
		height = int((bits>>14)&0x3fff) + 1
	default:
		return 0, 0, fmt.Errorf("unexpected first chunk %q", c.id)
	}
	return width, height, nil
}

func vp8xChunk(flags byte, width, height int) riffChunk {
	data := make([]byte, vp8xChunkSize)
	data[0] = flags
	putUint24(data[4:7], uint32(width-1))
	putUint24(data[7:10], uint32(height-1))
	return riffChunk{id: "VP8X", data: data}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// embedExif returns webp with exif stored in its EXIF chunk. Simple-format
// files are promoted to the extended format; an existing EXIF chunk is
// replaced.
func embedExif(webp, exif []byte) ([]byte, error) {
	chunks, err := parseWebP(webp)
	if err != nil {
		return nil, err
	}

	var out []riffChunk
	if chunks[0].id == "VP8X" {
		if len(chunks[0].data) < vp8xChunkSize {
			return nil, errors.New("short VP8X chunk")
		}
		head := riffChunk{id: "VP8X", data: append([]byte(nil), chunks[0].data...)}
		head.data[0] |= webpFlagExif
		out = append(out, head)
	} else {
		width, height, err := canvasSize(chunks[0])
		if err != nil {
			return nil, err
		}
		flags := byte(webpFlagExif)
		if chunks[0].id == "VP8L" && chunks[0].data[4]&0x10 != 0 {
			flags |= webpFlagAlpha
		}
		out = append(out, vp8xChunk(flags, width, height), chunks[0])
	}
	for _, c := range chunks[1:] {
		if c.id != "EXIF" {
			out = append(out, c)
		}
	}
	out = append(out, riffChunk{id: "EXIF", data: exif})

	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range out {
		var hdr [chunkHeader]byte
		copy(hdr[0:4], c.id)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(c.data)))
		body.Write(hdr[:])
		body.Write(c.data)
		if len(c.data)%2 == 1 {
			body.WriteByte(0)
		}
	}

	var file bytes.Buffer
	file.Grow(body.Len() + 8)
	file.WriteString("RIFF")
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(body.Len()))
	file.Write(size[:])
	file.Write(body.Bytes())
	return file.Bytes(), nil
}
