package remux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// validateOutput sniffs the container header matching the file extension.
// Unknown extensions pass.
func validateOutput(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
		return validateMP4(path)
	case ".mkv", ".webm":
		return validateEBML(path)
	case ".ts":
		return validateMPEGTS(path)
	}
	return nil
}

// ValidateTransportStream reports whether path starts with MPEG-TS sync bytes.
func ValidateTransportStream(path string) error {
	return validateMPEGTS(path)
}

func readHeader(path string, size int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, size)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func validateMP4(path string) error {
	body, err := readHeader(path, 1<<20)
	if err != nil {
		return fmt.Errorf("read mp4 header: %w", err)
	}
	if len(body) < 8 || string(body[4:8]) != "ftyp" {
		return fmt.Errorf("invalid mp4 header")
	}
	if !bytes.Contains(body, []byte("moov")) && !bytes.Contains(body, []byte("moof")) {
		return fmt.Errorf("missing moov/moof atom")
	}
	return nil
}

func validateEBML(path string) error {
	header, err := readHeader(path, 4)
	if err != nil {
		return fmt.Errorf("read ebml header: %w", err)
	}
	if len(header) < 4 || binary.BigEndian.Uint32(header) != 0x1A45DFA3 {
		return fmt.Errorf("invalid matroska header")
	}
	return nil
}

// TS packets are 188 bytes, each starting with 0x47.
func validateMPEGTS(path string) error {
	header, err := readHeader(path, 189)
	if err != nil {
		return fmt.Errorf("read ts header: %w", err)
	}
	if len(header) < 1 || header[0] != 0x47 {
		return fmt.Errorf("invalid transport stream header")
	}
	if len(header) >= 189 && header[188] != 0x47 {
		return fmt.Errorf("invalid transport stream sync")
	}
	return nil
}
