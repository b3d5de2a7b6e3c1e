package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

func TestDigestVerifyingReaderAcceptsMatchingDigest(t *testing.T) {
	data := []byte("hello world")
	sum := sha256.Sum256(data)
	digest := "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"

	resp := &http.Response{Trailer: http.Header{"Digest": []string{digest}}}
	r := &digestVerifyingReader{resp: resp, body: io.NopCloser(bytes.NewReader(data)), h: sha256.New()}

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDigestVerifyingReaderDetectsMismatch(t *testing.T) {
	resp := &http.Response{Trailer: http.Header{"Digest": []string{"sha-256=:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=:"}}}
	r := &digestVerifyingReader{resp: resp, body: io.NopCloser(strings.NewReader("hello world")), h: sha256.New()}

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, engineerr.IsDigestMismatch(err))
}

func TestDigestVerifyingReaderSkipsVerifyWhenNoTrailerPresent(t *testing.T) {
	resp := &http.Response{Trailer: http.Header{}}
	r := &digestVerifyingReader{resp: resp, body: io.NopCloser(strings.NewReader("hello world")), h: sha256.New()}

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}
