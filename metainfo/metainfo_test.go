package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTorrent constructs a minimal bencoded single-file torrent document
// with one piece, so tests can exercise Decode without a fixture file.
func buildTorrent(t *testing.T, pieceData string, overrides map[string]string) string {
	t.Helper()
	digest := sha1.Sum([]byte(pieceData))

	pieceLength := len(pieceData)
	length := len(pieceData)
	fields := map[string]string{
		"announce":     "http://tracker.example.com/announce",
		"piece length": fmt.Sprintf("i%de", pieceLength),
		"length":       fmt.Sprintf("i%de", length),
		"name":         "file.bin",
		"pieces":       fmt.Sprintf("%d:%s", len(digest), digest[:]),
	}
	for k, v := range overrides {
		fields[k] = v
	}

	var info strings.Builder
	info.WriteString("d")
	for _, k := range []string{"length", "name", "piece length", "pieces"} {
		if v, ok := fields[k]; ok {
			fmt.Fprintf(&info, "%d:%s%s", len(k), k, v)
		}
	}
	info.WriteString("e")

	var doc strings.Builder
	doc.WriteString("d")
	fmt.Fprintf(&doc, "8:announce%d:%s", len(fields["announce"]), fields["announce"])
	fmt.Fprintf(&doc, "4:info%s", info.String())
	doc.WriteString("e")
	return doc.String()
}

func bencodeString(s string) string {
	return fmt.Sprintf("%d:%s", len(s), s)
}

func TestDecodeValidSingleFileTorrent(t *testing.T) {
	doc := buildTorrent(t, "hello world", nil)

	mi, err := Decode(bytes.NewReader([]byte(doc)))
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example.com/announce", mi.Announce)
	assert.Equal(t, "file.bin", mi.OutputName)
	assert.Equal(t, 1, mi.NumPieces())
	assert.Equal(t, 11, mi.TotalLength)
}

func TestDecodeMissingAnnounce(t *testing.T) {
	doc := "d4:infod6:lengthi5e4:name5:a.bin12:piece lengthi5e6:pieces20:" + strings.Repeat("x", 20) + "ee"
	_, err := Decode(bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	var bad *BadTorrentError
	assert.ErrorAs(t, err, &bad)
}

func TestDecodeRejectsMultiFile(t *testing.T) {
	doc := "d8:announce18:http://example.com4:infod5:filesle4:name4:dir/12:piece lengthi5e6:pieces20:" +
		strings.Repeat("x", 20) + "ee"
	_, err := Decode(bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multi-file")
}

func TestDecodeRejectsBadPiecesLength(t *testing.T) {
	doc := "d8:announce18:http://example.com4:infod6:lengthi5e4:name5:a.bin12:piece lengthi5e6:pieces3:abcee"
	_, err := Decode(bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a multiple of")
}

func TestDecodeRejectsPieceCountMismatch(t *testing.T) {
	digest := sha1.Sum([]byte("hello"))
	doc := fmt.Sprintf(
		"d8:announce18:http://example.com4:infod6:lengthi100e4:name5:a.bin12:piece lengthi5e6:pieces%d:%see",
		len(digest), digest[:])
	_, err := Decode(bytes.NewReader([]byte(doc)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "piece count mismatch")
}

func TestPieceLenLastPieceShorter(t *testing.T) {
	mi := &Metainfo{
		PieceLength: 10,
		TotalLength: 25,
		PieceHashes: make([][20]byte, 3),
	}
	assert.Equal(t, 10, mi.PieceLen(0))
	assert.Equal(t, 10, mi.PieceLen(1))
	assert.Equal(t, 5, mi.PieceLen(2))
}

func TestLoadRejectsNonTorrentExtension(t *testing.T) {
	_, err := Load("/tmp/definitely-not-present.txt")
	require.Error(t, err)
	var bad *BadTorrentError
	assert.ErrorAs(t, err, &bad)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/tmp/definitely-not-present-gorent.torrent")
	require.Error(t, err)
}
