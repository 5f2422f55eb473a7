// Package tracker implements the HTTP(S) announce call to a BitTorrent
// tracker: building the query, issuing the GET, and parsing the compact
// peer list from the bencoded response.
package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"gorent/metainfo"
)

// Port is the fixed local TCP port advertised to the tracker.
const Port = 6889

// PeerID is the local client's 20-byte peer identity: a client prefix
// followed by 12 random decimal digits, chosen once and constant for the
// process lifetime.
type PeerID [20]byte

// NewPeerID generates a fresh PeerID with the "-GR0001-" client prefix.
func NewPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], "-GR0001-")
	return id, newPeerIDSuffix(&id)
}

func newPeerIDSuffix(id *PeerID) error {
	buf := id[8:]
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return fmt.Errorf("generate peer id: %w", err)
		}
		buf[i] = byte('0') + byte(n.Int64())
	}
	return nil
}

// Endpoint is a remote peer's dial address, decoded from the tracker's
// compact peer list.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// ErrRefused reports a tracker-side failure reason.
type ErrRefused struct {
	Reason string
}

func (e *ErrRefused) Error() string {
	return fmt.Sprintf("tracker refused: %s", e.Reason)
}

// ErrUnsupportedPeerFormat is returned for a dictionary-model peer list,
// which this client does not support.
var ErrUnsupportedPeerFormat = fmt.Errorf("tracker: dictionary-model peer list is not supported")

// Announce is the result of a successful announce call.
type Announce struct {
	Interval time.Duration
	Peers    []Endpoint
}

type bencodeResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	// Peers is decoded generically because the tracker may reply with
	// either the compact binary-string form or the (unsupported)
	// dictionary-model list form; we must tell them apart before
	// assuming a string.
	Peers any `bencode:"peers"`
}

// Client announces to a single torrent's tracker.
type Client struct {
	mi         *metainfo.Metainfo
	peerID     PeerID
	httpClient *http.Client
	log        *zap.SugaredLogger

	everAnnounced bool
}

// New creates a Client for mi's announce URL.
func New(mi *metainfo.Metainfo, peerID PeerID, log *zap.SugaredLogger) *Client {
	return &Client{
		mi:         mi,
		peerID:     peerID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// Announce issues one announce call. event=started is sent iff this client
// has never successfully announced before, per the corrected semantics in
// the design notes (the naive "first request timestamp" check is wrong: it
// sends event=started on literally every call until the first success,
// which is what this field is meant to prevent).
func (c *Client) Announce(ctx context.Context, uploaded, downloaded int64) (*Announce, error) {
	u, err := c.buildURL(uploaded, downloaded)
	if err != nil {
		return nil, fmt.Errorf("build tracker url: %w", err)
	}

	var resp *Announce
	operation := func() error {
		a, err := c.doAnnounce(ctx, u)
		if err != nil {
			return err
		}
		resp = a
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	c.everAnnounced = true
	return resp, nil
}

func (c *Client) doAnnounce(ctx context.Context, u string) (*Announce, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("announce request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", httpResp.StatusCode)
	}

	var decoded bencodeResponse
	if err := bencode.Unmarshal(httpResp.Body, &decoded); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode tracker response: %w", err))
	}
	if decoded.FailureReason != "" {
		return nil, backoff.Permanent(&ErrRefused{Reason: decoded.FailureReason})
	}

	peers, err := decodePeers(decoded.Peers)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	return &Announce{
		Interval: time.Duration(decoded.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

func (c *Client) buildURL(uploaded, downloaded int64) (string, error) {
	base, err := url.Parse(c.mi.Announce)
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported tracker scheme %q (UDP trackers are out of scope)", base.Scheme)
	}

	left := int64(c.mi.TotalLength) - downloaded
	q := url.Values{
		"port":       []string{strconv.Itoa(Port)},
		"uploaded":   []string{strconv.FormatInt(uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(downloaded, 10)},
		"left":       []string{strconv.FormatInt(left, 10)},
		"compact":    []string{"1"},
	}
	if !c.everAnnounced {
		q.Set("event", "started")
	}
	base.RawQuery = q.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(c.mi.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(c.peerID[:])
	return base.String(), nil
}

func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, v := range b {
		out = append(out, '%', hexDigit(v>>4), hexDigit(v&0xf))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	const digits = "0123456789ABCDEF"
	return digits[n]
}

func decodePeers(raw any) ([]Endpoint, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, ErrUnsupportedPeerFormat
	}

	const recordSize = 6
	data := []byte(s)
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of %d", len(data), recordSize)
	}
	n := len(data) / recordSize
	peers := make([]Endpoint, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		peers[i].IP = net.IP(data[off : off+4])
		peers[i].Port = binary.BigEndian.Uint16(data[off+4 : off+6])
	}
	return peers, nil
}

// Close releases the tracker client's HTTP resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
