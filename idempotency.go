package outbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

// MaxKeyLength is the longest key GenerateKey returns for a valid tenant.
const MaxKeyLength = 256

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateKey returns an idempotency key for a write by tenant to endpoint.
//
// The key is "<tenant>-<endpoint>-<ulid>". The ULID carries a millisecond
// timestamp and 80 random bits; keys minted in the same millisecond by this
// process increase strictly, so they cannot collide locally. An endpoint that
// would push the key past MaxKeyLength is cut and suffixed with a hash of
// its full form.
func GenerateKey(tenant, endpoint string) string {
	id := newULID(time.Now())
	ep := NormalizeEndpoint(endpoint)
	if room := MaxKeyLength - len(tenant) - len(id) - 2; len(ep) > room {
		ep = shortenEndpoint(ep, room)
	}
	return tenant + "-" + ep + "-" + id
}

// shortenEndpoint fits ep into n bytes on a rune boundary, ending in the
// first 8 hex digits of its SHA-256.
func shortenEndpoint(ep string, n int) string {
	sum := sha256.Sum256([]byte(ep))
	tag := hex.EncodeToString(sum[:4])
	keep := n - len(tag) - 1
	if keep <= 0 {
		return tag
	}
	for keep > 0 && !utf8.RuneStart(ep[keep]) {
		keep--
	}
	return ep[:keep] + "-" + tag
}

func newULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 keys in one millisecond.
		// Fall back to a fresh random ULID.
		return ulid.Make().String()
	}
	return id.String()
}

// NormalizeEndpoint turns an endpoint path into a key component:
// NFC-normalized, query dropped, surrounding slashes trimmed, inner slashes
// replaced by '-'. "/api/leads/" becomes "api-leads".
func NormalizeEndpoint(endpoint string) string {
	s := norm.NFC.String(strings.TrimSpace(endpoint))
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return "root"
	}
	return strings.ReplaceAll(s, "/", "-")
}
