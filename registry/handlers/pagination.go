package handlers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// maximumPageSize bounds the n query parameter of paginated endpoints.
	maximumPageSize = 100

	nonceSize = 24
)

var errInvalidPageToken = errors.New("invalid pagination token")

// pageToken is the cursor carried by the next_page query parameter.
type pageToken struct {
	// StartID is the lowest id of the next catalog page.
	StartID int64 `json:"start_id,omitempty"`
	// Last is the name after which the next tag page starts.
	Last string `json:"last,omitempty"`
}

// pageTokenizer seals page tokens so that clients cannot forge cursors.
type pageTokenizer struct {
	key [32]byte
}

// newPageTokenizer derives the sealing key from secret. A random key is used when no secret is configured, which
// invalidates tokens across restarts and between instances.
func newPageTokenizer(secret string) (*pageTokenizer, error) {
	var p pageTokenizer
	if secret != "" {
		p.key = sha256.Sum256([]byte(secret))
		return &p, nil
	}
	if _, err := io.ReadFull(rand.Reader, p.key[:]); err != nil {
		return nil, fmt.Errorf("generating pagination key: %w", err)
	}
	return &p, nil
}

func (p *pageTokenizer) encode(t pageToken) (string, error) {
	msg, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], msg, &nonce, &p.key)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *pageTokenizer) decode(s string) (pageToken, error) {
	var t pageToken

	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(sealed) < nonceSize {
		return t, errInvalidPageToken
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	msg, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &p.key)
	if !ok {
		return t, errInvalidPageToken
	}
	if err := json.Unmarshal(msg, &t); err != nil {
		return t, errInvalidPageToken
	}
	return t, nil
}

// pageSize reads the n query parameter, clamped to [1, max]. def is used when n is absent.
func pageSize(q url.Values, def, max int) int {
	if max <= 0 || max > maximumPageSize {
		max = maximumPageSize
	}
	if def <= 0 || def > max {
		def = max
	}

	v := q.Get("n")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// setNextLink advertises the next page of a listing in a Link header.
func setNextLink(w http.ResponseWriter, u string) {
	w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"next\"", u))
}
