package worker

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/mitchellh/go-homedir"
	"github.com/vincent-petithory/dataurl"
)

// SaveImageB64DataUrl decodes an image data URL and writes it to outputPath.
// The output format follows the extension of outputPath.
func SaveImageB64DataUrl(url, outputPath string) error {
	dataURL, err := dataurl.DecodeString(url)
	if err != nil {
		return err
	}

	switch dataURL.MediaType.ContentType() {
	case "image/png", "image/jpeg", "image/webp", "image/bmp", "image/tiff", "image/gif":
	default:
		return fmt.Errorf("unsupported image format: %s", dataURL.MediaType.ContentType())
	}

	img, err := imaging.Decode(bytes.NewReader(dataURL.Data))
	if err != nil {
		return err
	}

	outputPath, err = homedir.Expand(outputPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return imaging.Save(img, outputPath)
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNGDataUrl wraps PNG bytes in a base64 data URL.
func PNGDataUrl(png []byte) string {
	return dataurl.New(png, "image/png").String()
}

// writeOutput writes raw bytes to outputPath, creating parent directories.
func writeOutput(outputPath string, output []byte) error {
	outputPath, err := homedir.Expand(outputPath)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	outFile, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := outFile.Write(output); err != nil {
		outFile.Close()
		return err
	}
	return outFile.Close()
}

// LoadImage opens an image file, honouring EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	return imaging.Open(path, imaging.AutoOrientation(true))
}
