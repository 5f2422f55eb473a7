// Package metainfo loads and validates a single-file .torrent metainfo
// document: the announce URL, piece layout, ordered piece digests and the
// info-hash identifying the torrent on the wire.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"
)

const hashLen = 20

// BadTorrentError reports a metainfo document that cannot be used: a
// missing key, a malformed pieces string, or an unsupported multi-file
// torrent.
type BadTorrentError struct {
	Reason string
}

func (e *BadTorrentError) Error() string {
	return fmt.Sprintf("bad torrent: %s", e.Reason)
}

func badTorrent(format string, args ...any) error {
	return &BadTorrentError{Reason: fmt.Sprintf(format, args...)}
}

type bencodeInfo struct {
	Pieces      string `bencode:"pieces"`
	PieceLength int    `bencode:"piece length"`
	Length      int    `bencode:"length"`
	Name        string `bencode:"name"`
	Files       any    `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Metainfo is the immutable, validated description of a single-file
// torrent.
type Metainfo struct {
	Announce    string
	InfoHash    [hashLen]byte
	PieceHashes [][hashLen]byte
	PieceLength int
	TotalLength int
	OutputName  string
}

// NumPieces returns the declared piece count.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length in bytes of the piece at index, accounting for
// the possibly-shorter final piece.
func (m *Metainfo) PieceLen(index int) int {
	if index < m.NumPieces()-1 {
		return m.PieceLength
	}
	last := m.TotalLength - m.PieceLength*(m.NumPieces()-1)
	return last
}

// Load validates that path exists and has a .torrent extension, decodes it
// as bencode, and returns the resulting Metainfo.
func Load(path string) (*Metainfo, error) {
	if filepath.Ext(path) != ".torrent" {
		return nil, badTorrent("%q is not a .torrent file", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, badTorrent("cannot stat %q: %s", path, err)
	}
	if info.IsDir() {
		return nil, badTorrent("%q is a directory, not a file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, badTorrent("cannot open %q: %s", path, err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode parses a bencoded metainfo document from r.
func Decode(r io.Reader) (*Metainfo, error) {
	var bto bencodeTorrent
	if err := bencode.Unmarshal(r, &bto); err != nil {
		return nil, badTorrent("decode failed: %s", err)
	}

	if bto.Announce == "" {
		return nil, badTorrent("missing announce URL")
	}
	if bto.Info.Name == "" {
		return nil, badTorrent("missing info.name")
	}
	if bto.Info.PieceLength <= 0 {
		return nil, badTorrent("piece length must be positive, got %d", bto.Info.PieceLength)
	}
	if bto.Info.Files != nil {
		return nil, badTorrent("multi-file torrents are not supported")
	}
	if bto.Info.Length <= 0 {
		return nil, badTorrent("length must be positive, got %d", bto.Info.Length)
	}

	pieceHashes, err := splitPieces(bto.Info.Pieces)
	if err != nil {
		return nil, err
	}

	wantPieces := (bto.Info.Length + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if wantPieces != len(pieceHashes) {
		return nil, badTorrent(
			"piece count mismatch: ceil(%d/%d)=%d but pieces has %d hashes",
			bto.Info.Length, bto.Info.PieceLength, wantPieces, len(pieceHashes))
	}

	infoHash, err := hashInfo(bto.Info)
	if err != nil {
		return nil, badTorrent("could not re-encode info dictionary: %s", err)
	}

	return &Metainfo{
		Announce:    bto.Announce,
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		PieceLength: bto.Info.PieceLength,
		TotalLength: bto.Info.Length,
		OutputName:  bto.Info.Name,
	}, nil
}

// hashInfo computes the SHA-1 of the re-encoded info dictionary, not of any
// original byte slice, so that the info-hash is stable regardless of how the
// publisher serialized the surrounding document.
func hashInfo(info bencodeInfo) ([hashLen]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [hashLen]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

func splitPieces(pieces string) ([][hashLen]byte, error) {
	data := []byte(pieces)
	if len(data)%hashLen != 0 {
		return nil, badTorrent("pieces length %d is not a multiple of %d", len(data), hashLen)
	}
	n := len(data) / hashLen
	hashes := make([][hashLen]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], data[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}
