// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// MaxAttachmentSize is the largest file a user may attach (10 MiB).
const MaxAttachmentSize = 10 << 20

var (
	// ErrAttachmentType is returned for files that are neither images nor PDFs.
	ErrAttachmentType = errors.New("only image and PDF attachments are supported")

	// ErrAttachmentTooLarge is returned for files over MaxAttachmentSize.
	ErrAttachmentTooLarge = errors.New("attachment exceeds the 10MB limit")

	// ErrVisionUnsupported is returned when files are sent to a model
	// without vision.
	ErrVisionUnsupported = errors.New("selected model does not accept attachments")
)

// extensionTypes covers the extensions whose type is inferred locally.
var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".md":   "text/markdown",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// InferMediaType guesses a media type from the file extension, falling back
// to application/octet-stream.
func InferMediaType(filename string) string {
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return "application/octet-stream"
}

// ValidateAttachment checks media type and size of a file the user wants to
// attach. An empty mediaType is inferred from the filename.
func ValidateAttachment(filename, mediaType string, size int64) error {
	if mediaType == "" {
		mediaType = InferMediaType(filename)
	}
	if !strings.HasPrefix(mediaType, "image/") && mediaType != "application/pdf" {
		return fmt.Errorf("%s (%s): %w", filename, mediaType, ErrAttachmentType)
	}
	if size > MaxAttachmentSize {
		return fmt.Errorf("%s (%d bytes): %w", filename, size, ErrAttachmentTooLarge)
	}
	return nil
}

// NewFilePart validates data and wraps it in a file part with a base64
// data URI.
func NewFilePart(filename, mediaType string, data []byte) (Part, error) {
	if mediaType == "" {
		mediaType = InferMediaType(filename)
	}
	if err := ValidateAttachment(filename, mediaType, int64(len(data))); err != nil {
		return Part{}, err
	}
	return FileRefPart(filename, mediaType, EncodeDataURI(mediaType, data)), nil
}

// EncodeDataURI returns data as a base64 data URI.
func EncodeDataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI splits a base64 data URI into media type and payload.
func DecodeDataURI(uri string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, errors.New("not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("malformed data URI")
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return mediaType, []byte(payload), nil
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URI: %w", err)
	}
	return mediaType, data, nil
}
