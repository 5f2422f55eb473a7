// Package piece owns the block/piece state lattice: it partitions a
// torrent's pieces into missing, ongoing and have sets, selects the next
// block to request via a rarest-first strategy, detects stalled requests,
// verifies piece integrity against the publisher's SHA-1 digests, and
// persists verified pieces at their canonical offset in the output file.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"gorent/metainfo"
)

// RequestSize is the default maximum length of a single requested block,
// per the peer-wire protocol. config.Default uses this; a Manager may be
// built with a different value via New.
const RequestSize = 16384

// MaxPendingMS is the default number of milliseconds a Pending block may go
// unanswered before it is eligible for re-request. config.Default uses
// this; a Manager may be built with a different value via New.
const MaxPendingMS = 300000

// Status is a Block's lifecycle state.
type Status int

const (
	Missing Status = iota
	Pending
	Retrieved
)

// Block is the request unit: a byte range within one piece.
type Block struct {
	PieceIndex int
	Offset     int
	Length     int
	Status     Status
	Data       []byte
}

// pendingRequest records an in-flight block request and when it was issued,
// in milliseconds since the epoch per the clock in use.
type pendingRequest struct {
	block    *Block
	issuedAt int64
}

// piece owns an ordered set of blocks tiling [0, length) and the piece's
// expected digest.
type piece struct {
	index  int
	blocks []*Block
	digest [20]byte
}

func (p *piece) length() int {
	n := 0
	for _, b := range p.blocks {
		n += b.Length
	}
	return n
}

func (p *piece) complete() bool {
	for _, b := range p.blocks {
		if b.Status != Retrieved {
			return false
		}
	}
	return true
}

func (p *piece) data() []byte {
	buf := make([]byte, p.length())
	for _, b := range p.blocks {
		copy(buf[b.Offset:b.Offset+b.Length], b.Data)
	}
	return buf
}

func (p *piece) valid() bool {
	sum := sha1.Sum(p.data())
	return bytes.Equal(sum[:], p.digest[:])
}

func (p *piece) reset() {
	for _, b := range p.blocks {
		b.Status = Missing
		b.Data = nil
	}
}

func (p *piece) firstMissing() *Block {
	for _, b := range p.blocks {
		if b.Status == Missing {
			return b
		}
	}
	return nil
}

// ErrProtocolViolation reports a bitfield whose length does not match the
// torrent's piece count.
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("piece: protocol violation: %s", e.Reason)
}

// Manager is the piece manager: the single sequencer for piece/block state
// across all peer connections. All exported methods are safe for concurrent
// use; callers running on OS threads (rather than a single cooperative
// event loop) rely on this lock.
type Manager struct {
	mu sync.Mutex

	mi     *metainfo.Metainfo
	log    *zap.SugaredLogger
	clock  clock.Clock
	file   *os.File

	requestSize  int
	maxPendingMS int64

	missing []*piece
	ongoing []*piece
	have    []*piece

	pending []pendingRequest

	peers map[string]*bitset.BitSet

	// bytesDownloaded tracks verified bytes outside the mutex so callers
	// polling progress (the engine's controller loop) don't contend with
	// NextRequest/BlockReceived for the same lock.
	bytesDownloaded atomic.Int64
}

// New materializes the block layout for every piece and opens (creating if
// necessary) the output file for read-write access. requestSize bounds the
// length of each requested block; maxPending is how long a Pending block
// may go unanswered before it is eligible for re-request. Callers without a
// specific tuning need can pass RequestSize and MaxPendingMS milliseconds,
// which is what config.Default produces.
func New(mi *metainfo.Metainfo, outputPath string, requestSize int, maxPending time.Duration, log *zap.SugaredLogger, clk clock.Clock) (*Manager, error) {
	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	m := &Manager{
		mi:           mi,
		log:          log,
		clock:        clk,
		file:         f,
		requestSize:  requestSize,
		maxPendingMS: maxPending.Milliseconds(),
		peers:        make(map[string]*bitset.BitSet),
	}
	m.missing = initPieces(mi, requestSize)
	return m, nil
}

func initPieces(mi *metainfo.Metainfo, requestSize int) []*piece {
	pieces := make([]*piece, mi.NumPieces())
	numStdBlocks := ceilDiv(mi.PieceLength, requestSize)

	for idx := range pieces {
		pieceLen := mi.PieceLen(idx)
		var blocks []*Block
		if idx < mi.NumPieces()-1 {
			blocks = make([]*Block, numStdBlocks)
			for i := range blocks {
				blocks[i] = &Block{PieceIndex: idx, Offset: i * requestSize, Length: requestSize}
			}
		} else {
			numLastBlocks := ceilDiv(pieceLen, requestSize)
			blocks = make([]*Block, numLastBlocks)
			for i := range blocks {
				blocks[i] = &Block{PieceIndex: idx, Offset: i * requestSize, Length: requestSize}
			}
			if rem := pieceLen % requestSize; rem > 0 {
				blocks[len(blocks)-1].Length = rem
			}
		}
		pieces[idx] = &piece{index: idx, blocks: blocks, digest: mi.PieceHashes[idx]}
	}
	return pieces
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// AddPeer installs a new peer's availability bitfield. bf must have exactly
// NumPieces entries; any other length is a protocol violation.
func (m *Manager) AddPeer(peerID string, bf []bool) error {
	if len(bf) != m.mi.NumPieces() {
		return &ErrProtocolViolation{Reason: fmt.Sprintf(
			"bitfield has %d entries, want %d", len(bf), m.mi.NumPieces())}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bs := bitset.New(uint(m.mi.NumPieces()))
	for i, has := range bf {
		if has {
			bs.Set(uint(i))
		}
	}
	m.peers[peerID] = bs
	return nil
}

// UpdatePeer sets a single bit for peerID's availability. A no-op if peerID
// is unknown.
func (m *Manager) UpdatePeer(peerID string, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs, ok := m.peers[peerID]
	if !ok {
		return
	}
	bs.Set(uint(pieceIndex))
}

// RemovePeer drops a peer's availability entirely.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// NextRequest returns the next block peerID should request, or nil if there
// is nothing useful to ask for right now. It tries, in order: an expired
// pending request for a piece the peer has, the next Missing block of the
// first ongoing piece the peer has, and the first block of the rarest
// missing piece the peer has.
func (m *Manager) NextRequest(peerID string) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs, ok := m.peers[peerID]
	if !ok {
		return nil
	}

	if b := m.expiredRequest(bs); b != nil {
		return b
	}
	if b := m.nextOngoing(bs); b != nil {
		return b
	}
	return m.rarestFirst(bs)
}

func (m *Manager) nowMS() int64 {
	return m.clock.Now().UnixNano() / int64(1e6)
}

func (m *Manager) expiredRequest(bs *bitset.BitSet) *Block {
	now := m.nowMS()
	for i := range m.pending {
		req := &m.pending[i]
		if !bs.Test(uint(req.block.PieceIndex)) {
			continue
		}
		if now-req.issuedAt > m.maxPendingMS {
			req.issuedAt = now
			m.log.Infow("re-requesting expired block",
				"piece", req.block.PieceIndex, "offset", req.block.Offset)
			return req.block
		}
	}
	return nil
}

func (m *Manager) nextOngoing(bs *bitset.BitSet) *Block {
	for _, p := range m.ongoing {
		if !bs.Test(uint(p.index)) {
			continue
		}
		// Stop at the first piece the peer has, whether or not it still
		// has a Missing block, matching the reference client's behavior.
		b := p.firstMissing()
		if b != nil {
			b.Status = Pending
			m.pending = append(m.pending, pendingRequest{block: b, issuedAt: m.nowMS()})
		}
		return b
	}
	return nil
}

func (m *Manager) rarestFirst(bs *bitset.BitSet) *Block {
	bestIdx := -1
	bestCount := -1
	for i, p := range m.missing {
		if !bs.Test(uint(p.index)) {
			continue
		}
		count := 0
		for _, peerBS := range m.peers {
			if peerBS.Test(uint(p.index)) {
				count++
			}
		}
		if bestIdx == -1 || count < bestCount {
			bestIdx = i
			bestCount = count
		}
	}
	if bestIdx == -1 {
		return nil
	}

	p := m.missing[bestIdx]
	m.missing = append(m.missing[:bestIdx], m.missing[bestIdx+1:]...)
	m.ongoing = append(m.ongoing, p)

	// Marked Pending but deliberately not registered in m.pending, so this
	// block is never re-requested on expiry. Later calls reach the piece
	// through the ongoing-piece rule, which registers only the piece's
	// remaining Missing blocks.
	b := p.firstMissing()
	if b != nil {
		b.Status = Pending
	}
	return b
}

// BlockReceived records a delivered block. If the owning piece becomes
// complete, its hash is checked: on a match the piece is written to disk
// and moved to have; on a mismatch every block in the piece is reset to
// Missing and the piece remains ongoing for re-request. Unknown
// (piece, offset) pairs are logged and otherwise ignored.
func (m *Manager) BlockReceived(peerID string, pieceIndex, offset int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.pending {
		if m.pending[i].block.PieceIndex == pieceIndex && m.pending[i].block.Offset == offset {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	var p *piece
	for _, op := range m.ongoing {
		if op.index == pieceIndex {
			p = op
			break
		}
	}
	if p == nil {
		m.log.Warnw("block received for piece not ongoing", "piece", pieceIndex, "peer", peerID)
		return
	}

	var b *Block
	for _, blk := range p.blocks {
		if blk.Offset == offset {
			b = blk
			break
		}
	}
	if b == nil {
		m.log.Warnw("block received at unknown offset", "piece", pieceIndex, "offset", offset)
		return
	}
	b.Status = Retrieved
	b.Data = data

	if !p.complete() {
		return
	}

	if p.valid() {
		if err := m.write(p); err != nil {
			m.log.Errorw("write verified piece failed", "piece", pieceIndex, "error", err)
			return
		}
		m.ongoing = removePiece(m.ongoing, p)
		m.have = append(m.have, p)
		m.bytesDownloaded.Add(int64(p.length()))
		m.log.Infow("piece verified", "piece", pieceIndex, "have", len(m.have), "total", m.mi.NumPieces())
	} else {
		m.log.Warnw("piece hash mismatch, discarding", "piece", pieceIndex)
		p.reset()
	}
}

func removePiece(pieces []*piece, target *piece) []*piece {
	out := pieces[:0]
	for _, p := range pieces {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

// write persists a verified piece's data at its canonical offset.
func (m *Manager) write(p *piece) error {
	pos := int64(m.mi.PieceLength) * int64(p.index)
	_, err := m.file.WriteAt(p.data(), pos)
	return err
}

// BytesDownloaded returns the number of verified bytes persisted so far.
func (m *Manager) BytesDownloaded() int64 {
	return m.bytesDownloaded.Load()
}

// BytesUploaded is always zero: this client never seeds.
func (m *Manager) BytesUploaded() int64 {
	return 0
}

// Complete reports whether every piece has been verified and written.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.have) == m.mi.NumPieces()
}

// Close releases the output file handle.
func (m *Manager) Close() error {
	return m.file.Close()
}
