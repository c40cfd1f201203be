package utils

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressData compresses data with LZ4 at level 9, favoring ratio over
// speed. Its caller is CompressIfNeeded, which protocol.EncodeFileTransfer
// applies to file-transfer content.
func CompressData(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	zw.Apply(lz4.ChecksumOption(true))
	zw.Apply(lz4.CompressionLevelOption(lz4.Level9))

	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressData reverses CompressData.
func DecompressData(compressedData []byte) ([]byte, error) {
	if len(compressedData) == 0 {
		return compressedData, nil
	}

	zr := lz4.NewReader(bytes.NewReader(compressedData))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// alreadyCompressedTypes lists MIME types that gain nothing from a
// second compression pass.
var alreadyCompressedTypes = map[string]bool{
	"image/jpeg":                    true,
	"image/png":                     true,
	"image/gif":                     true,
	"image/webp":                    true,
	"audio/mp3":                     true,
	"audio/ogg":                     true,
	"video/mp4":                     true,
	"video/webm":                    true,
	"application/zip":               true,
	"application/gzip":              true,
	"application/x-rar-compressed":  true,
}

// ShouldCompress reports whether content of the given MIME type is
// worth compressing.
func ShouldCompress(mimeType string) bool {
	return !alreadyCompressedTypes[mimeType]
}

// CompressIfNeeded compresses data only when its MIME type benefits and
// the result is actually smaller; it reports whether compression was
// applied so callers can set the Compressed flag.
func CompressIfNeeded(data []byte, mimeType string) ([]byte, bool, error) {
	if !ShouldCompress(mimeType) || len(data) < 100 {
		return data, false, nil
	}

	compressed, err := CompressData(data)
	if err != nil {
		return nil, false, err
	}
	if len(compressed) >= len(data) {
		return data, false, nil
	}
	return compressed, true, nil
}
