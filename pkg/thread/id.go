package thread

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSuffix returns a random lowercase alphanumeric string of length n,
// drawn from crypto/rand. Used for thread and turn id suffixes.
func RandomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// NewRootThreadID generates a root thread id of the form
// lace_YYYYMMDD_xxxxxx.
func NewRootThreadID(now time.Time) (string, error) {
	suffix, err := RandomSuffix(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("lace_%s_%s", now.UTC().Format("20060102"), suffix), nil
}
