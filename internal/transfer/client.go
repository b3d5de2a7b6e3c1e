package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicfs/mosaicfs/internal/resolver"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// ClientConfig carries the credentials a Client signs outgoing requests
// with; every node in the mesh shares the same access key and secret.
type ClientConfig struct {
	AccessKeyID string
	SecretKey   string
	Timeout     time.Duration
}

// Client implements resolver.PeerClient over the HTTP transfer protocol.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewClient builds a Client. Timeout defaults to 30s if unset.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

// Fetch requests fileID/rng from endpoint's transfer server. endpoint is a
// bare "scheme://host:port" base URL; the caller (Tier 4) supplies it from
// the file's owning node's registration. A network timeout is returned as
// engineerr.CodeNetworkTimeout and a 5xx status as
// engineerr.CodeUpstreamFailure, both retryable; any other failure is a
// plain error.
func (c *Client) Fetch(ctx context.Context, endpoint string, fileID uuid.UUID, rng *resolver.Range) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/transfer/%s", endpoint, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	signRequest(req, c.cfg.AccessKeyID, c.cfg.SecretKey, time.Now())

	resp, err := c.hc.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, engineerr.New(engineerr.CodeNetworkTimeout, "transfer fetch timed out").
				WithComponent("transfer").WithCause(err)
		}
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Full-file response: the server framed a content digest as a
		// trailer (§4.3.4). It only arrives once the body is fully
		// drained, so verification happens lazily as the caller reads.
		return &digestVerifyingReader{resp: resp, body: resp.Body, h: sha256.New()}, nil
	case http.StatusPartialContent:
		return resp.Body, nil
	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return nil, engineerr.New(engineerr.CodeUpstreamFailure,
				fmt.Sprintf("transfer fetch %s: status %d: %s", url, resp.StatusCode, string(body))).
				WithComponent("transfer")
		}
		return nil, fmt.Errorf("transfer fetch %s: status %d: %s", url, resp.StatusCode, string(body))
	}
}

var _ resolver.PeerClient = (*Client)(nil)

// digestVerifyingReader hashes a full-file transfer response body as it is
// read and, once the body is exhausted, checks the accumulated digest
// against the response's Digest trailer (§4.3.4). A mismatch surfaces as
// an engineerr.CodeDigestMismatch error from Read instead of io.EOF, so
// whatever is copying the stream (internal/cache's Store) sees it as the
// terminal error of the copy.
type digestVerifyingReader struct {
	resp *http.Response
	body io.ReadCloser
	h    hash.Hash
	done bool
}

func (d *digestVerifyingReader) Read(p []byte) (int, error) {
	n, err := d.body.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
	}
	if err == io.EOF {
		if verr := d.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (d *digestVerifyingReader) Close() error { return d.body.Close() }

func (d *digestVerifyingReader) verify() error {
	if d.done {
		return nil
	}
	d.done = true

	header := d.resp.Trailer.Get("Digest")
	if header == "" {
		return nil
	}
	want, err := parseDigestHeader(header)
	if err != nil {
		return nil // malformed digest header isn't itself a content mismatch
	}
	if !bytes.Equal(d.h.Sum(nil), want) {
		return engineerr.New(engineerr.CodeDigestMismatch, "transfer content digest mismatch").
			WithComponent("transfer")
	}
	return nil
}

// parseDigestHeader extracts the raw digest bytes from an RFC 9530-style
// "sha-256=:base64:" structured field value.
func parseDigestHeader(h string) ([]byte, error) {
	const prefix = "sha-256=:"
	if !strings.HasPrefix(h, prefix) {
		return nil, fmt.Errorf("unsupported digest algorithm: %s", h)
	}
	encoded := strings.TrimSuffix(strings.TrimPrefix(h, prefix), ":")
	return base64.StdEncoding.DecodeString(encoded)
}
