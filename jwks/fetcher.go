package jwkskit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultFetchTimeout bounds a single fetch of the key-publishing endpoint.
const DefaultFetchTimeout = 5 * time.Second

// maxResponseBytes caps how much of a JWKS response is read. Real documents
// are a few kilobytes.
const maxResponseBytes = 1 << 20

// FetchReason classifies why a fetch failed.
type FetchReason string

const (
	FetchTimeout   FetchReason = "timeout"
	FetchHTTPError FetchReason = "http_error"
	FetchMalformed FetchReason = "malformed"
)

// FetchError is the typed failure of a single key set fetch. Status is only
// set for http_error (0 means the transport failed before a response).
type FetchError struct {
	Reason FetchReason
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("jwks fetch failed (%s): HTTP %d", e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("jwks fetch failed (%s): %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("jwks fetch failed (%s)", e.Reason)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// KeySet is the result of one complete fetch: the materialized records plus
// the raw document for snapshotting.
type KeySet struct {
	Keys map[string]KeyRecord
	Raw  []byte
}

// Fetcher performs one network fetch of a JWKS document per call. It never
// retries; retry policy belongs to the refresh policy and to subsequent
// validations.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher builds a fetcher. client may be nil for http.DefaultClient and
// timeout zero for DefaultFetchTimeout.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{client: client, timeout: timeout}
}

// Fetch GETs the endpoint and parses the body into key records.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Reason: FetchMalformed, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &FetchError{Reason: FetchTimeout, Err: err}
		}
		return nil, &FetchError{Reason: FetchHTTPError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Reason: FetchHTTPError, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, &FetchError{Reason: FetchTimeout, Err: err}
		}
		return nil, &FetchError{Reason: FetchMalformed, Err: err}
	}

	keys, err := ParseKeySet(body)
	if err != nil {
		return nil, err
	}
	return &KeySet{Keys: keys, Raw: body}, nil
}

// ParseKeySet parses a JWKS document into key records. Keys without a kid are
// skipped: the validator requires kid-addressable keys for rotation. A
// document yielding zero usable keys is malformed.
func ParseKeySet(body []byte) (map[string]KeyRecord, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, &FetchError{Reason: FetchMalformed, Err: err}
	}

	keys := make(map[string]KeyRecord, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		alg := ""
		if a := key.Algorithm(); a != nil {
			alg = a.String()
		}
		keys[kid] = KeyRecord{Kid: kid, Alg: alg, Key: raw}
	}
	if len(keys) == 0 {
		return nil, &FetchError{Reason: FetchMalformed, Err: errors.New("document contained no usable keys")}
	}
	return keys, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
