package unwatermark

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// sniffImage names the upload part after the decoded image format. Unknown
// payloads are still uploaded; the service makes the final call.
func sniffImage(data []byte) (filename, contentType string) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "image", "application/octet-stream"
	}

	switch format {
	case "jpeg":
		return "image.jpg", "image/jpeg"
	case "png":
		return "image.png", "image/png"
	case "gif":
		return "image.gif", "image/gif"
	case "webp":
		return "image.webp", "image/webp"
	case "bmp":
		return "image.bmp", "image/bmp"
	case "tiff":
		return "image.tiff", "image/tiff"
	default:
		return "image." + format, "application/octet-stream"
	}
}
