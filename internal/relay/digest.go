package relay

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
)

var challengeToken = regexp.MustCompile(`(\w+)=("[^"]*"|[^,\s]*)`)

// Challenge holds the parameters of a WWW-Authenticate header
type Challenge map[string]string

// ParseChallenge extracts key=value and key="value" tokens from a
// WWW-Authenticate header
func ParseChallenge(header string) Challenge {
	ch := make(Challenge)
	for _, m := range challengeToken.FindAllStringSubmatch(header, -1) {
		ch[m[1]] = strings.Trim(m[2], `"`)
	}
	return ch
}

// DigestAuth computes RFC 2617 Authorization headers for one upstream
// connection. The nonce counter increments on every header built.
type DigestAuth struct {
	username string
	password string

	mu     sync.Mutex
	nc     uint32
	cnonce func() string
}

// NewDigestAuth creates a digest authenticator
func NewDigestAuth(username, password string) *DigestAuth {
	return &DigestAuth{username: username, password: password, cnonce: randomCnonce}
}

// Authorization builds the header value answering ch for method and uri
func (d *DigestAuth) Authorization(method, uri string, ch Challenge) string {
	realm := ch["realm"]
	nonce := ch["nonce"]
	opaque := ch["opaque"]
	qop := selectQop(ch["qop"])
	algorithm := ch["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}

	d.mu.Lock()
	d.nc++
	nc := fmt.Sprintf("%08x", d.nc)
	d.mu.Unlock()
	cnonce := d.cnonce()

	response := digestResponse(d.username, d.password, realm, method, uri, nonce, nc, cnonce, qop, algorithm)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		d.username, realm, nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	fmt.Fprintf(&b, `, algorithm=%s`, algorithm)
	return b.String()
}

// selectQop picks "auth" out of a qop option list, or the first option
func selectQop(qop string) string {
	if qop == "" {
		return ""
	}
	opts := strings.Split(qop, ",")
	for _, o := range opts {
		if strings.TrimSpace(o) == "auth" {
			return "auth"
		}
	}
	return strings.TrimSpace(opts[0])
}

func digestResponse(username, password, realm, method, uri, nonce, nc, cnonce, qop, algorithm string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	if strings.EqualFold(algorithm, "MD5-sess") {
		ha1 = md5Hex(ha1 + ":" + nonce + ":" + cnonce)
	}
	ha2 := md5Hex(method + ":" + uri)
	if qop != "" {
		return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	}
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BasicAuthorization builds a Basic Authorization header value
func BasicAuthorization(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

const cnonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomCnonce() string {
	b := make([]byte, 16)
	max := big.NewInt(int64(len(cnonceAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		b[i] = cnonceAlphabet[n.Int64()]
	}
	return string(b)
}
