package pst

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dhcgn/mailvec/model"
)

// The file header of an Outlook data file: magic, client magic, format
// version and the block encryption method.
const (
	headerSize = 564

	versionOffset = 10
	cryptANSI     = 461
	cryptUnicode  = 513

	cryptNone    = 0x00
	cryptPermute = 0x01
	cryptCyclic  = 0x02
	cryptEDP     = 0x10
)

var (
	magic       = []byte("!BDN")
	clientMagic = []byte("SM")
)

var errNotPST = errors.New("not an outlook data file")

type header struct {
	Version     uint16
	Unicode     bool
	CryptMethod byte
}

// IsArchive reports whether path is an Outlook data file, judged by its
// magic bytes.
func IsArchive(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("open archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(file, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("read archive header: %w", err)
	}
	return bytes.Equal(head, magic), nil
}

func readHeader(path string) (header, error) {
	file, err := os.Open(path)
	if err != nil {
		return header{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	buf := make([]byte, headerSize)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return header{}, fmt.Errorf("%w: read header of %s: %v", model.ErrArchiveCorrupt, path, err)
	}
	h, err := parseHeader(buf[:n])
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// parseHeader validates the fixed part of the header. An EDP protected
// file yields model.ErrArchiveEncrypted.
func parseHeader(b []byte) (header, error) {
	if len(b) < len(magic) || !bytes.Equal(b[:len(magic)], magic) {
		return header{}, fmt.Errorf("%w: %w", model.ErrArchiveCorrupt, errNotPST)
	}
	if len(b) < versionOffset+2 || !bytes.Equal(b[8:10], clientMagic) {
		return header{}, fmt.Errorf("%w: bad client magic", model.ErrArchiveCorrupt)
	}

	h := header{Version: binary.LittleEndian.Uint16(b[versionOffset:])}
	offset := cryptANSI
	switch {
	case h.Version == 14 || h.Version == 15:
	case h.Version >= 23:
		h.Unicode = true
		offset = cryptUnicode
	default:
		return header{}, fmt.Errorf("%w: unsupported format version %d", model.ErrArchiveCorrupt, h.Version)
	}
	if len(b) <= offset {
		return header{}, fmt.Errorf("%w: truncated header (%d bytes)", model.ErrArchiveCorrupt, len(b))
	}

	h.CryptMethod = b[offset]
	switch h.CryptMethod {
	case cryptNone, cryptPermute, cryptCyclic:
		return h, nil
	case cryptEDP:
		return header{}, fmt.Errorf("%w: file is protected with Windows Information Protection", model.ErrArchiveEncrypted)
	default:
		return header{}, fmt.Errorf("%w: unknown encryption method 0x%02x", model.ErrArchiveCorrupt, h.CryptMethod)
	}
}
