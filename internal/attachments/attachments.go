// Package attachments validates and normalizes uploaded files before they are
// handed to the chat pipeline: text files become fenced content blocks, images
// are bounded in size and re-encoded for the upstream API.
package attachments

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// MaxFileSize is the per-file upload cap.
	MaxFileSize = 10 * 1024 * 1024

	// MaxImageDimension bounds the long edge of an image before it is sent
	// upstream.
	MaxImageDimension = 2048

	jpegQuality = 85
)

var allowedTextExtensions = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".html": true, ".css": true,
	".json": true, ".xml": true, ".md": true, ".csv": true, ".log": true,
	".yml": true, ".yaml": true, ".sh": true, ".bash": true, ".env": true,
	".conf": true, ".cfg": true, ".ini": true, ".sql": true, ".r": true,
	".ruby": true, ".php": true, ".java": true, ".cpp": true, ".c": true,
	".h": true, ".hpp": true, ".cs": true,
}

var allowedImageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true,
}

// ValidationError reports a rejected upload: wrong type or too large.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

const (
	TypeText  = "text"
	TypeImage = "image"
)

// Attachment is a processed upload. Text attachments carry the decoded file
// content; image attachments carry base64-encoded JPEG data.
type Attachment struct {
	Type      string
	Filename  string
	Extension string
	Content   string
	Data      string
}

func fileExtension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

func IsTextFile(filename string) bool {
	return allowedTextExtensions[fileExtension(filename)]
}

func IsImageFile(filename string) bool {
	return allowedImageExtensions[fileExtension(filename)]
}

// Process validates and converts one uploaded file of known size.
func Process(filename string, size int64, r io.Reader) (*Attachment, error) {
	if size > MaxFileSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("File %s exceeds maximum size of 10MB", filename)}
	}

	switch {
	case IsImageFile(filename):
		return processImage(filename, r)
	case IsTextFile(filename):
		return processText(filename, r)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("File %s is not a supported file type", filename)}
	}
}

func processText(filename string, r io.Reader) (*Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read text file %s: %w", filename, err)
	}

	return &Attachment{
		Type:      TypeText,
		Filename:  filename,
		Extension: strings.TrimPrefix(fileExtension(filename), "."),
		// Invalid byte sequences are dropped so the content is always
		// safe to embed in a prompt.
		Content: strings.ToValidUTF8(string(data), ""),
	}, nil
}

func processImage(filename string, r io.Reader) (*Attachment, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filename, err)
	}

	img = bound(img, MaxImageDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image %s: %w", filename, err)
	}

	return &Attachment{
		Type:     TypeImage,
		Filename: filename,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// bound scales img down so its longest edge is at most maxDim, preserving the
// aspect ratio. Images already within the bound are returned unchanged.
func bound(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxDim {
		return img
	}

	ratio := float64(maxDim) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*ratio), int(float64(h)*ratio)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
