// Package coord holds the state shared by every agent in the swarm: the
// fingerprint lock table that keeps one chat line from being answered twice,
// and the echo guard that keeps agents from answering each other's output.
package coord

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"strconv"
	"time"
)

// Fingerprint identifies "the same chat line" across observers: same user and
// content within the same time bucket of width window.
func Fingerprint(user, content string, at time.Time, window time.Duration) string {
	raw := user + "|" + content + "|" + strconv.FormatInt(bucket(at, window), 10)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func bucket(at time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = DefaultTimeWindow
	}
	secs := float64(at.UnixNano()) / 1e9
	return int64(math.Floor(secs / window.Seconds()))
}
