package session

import "time"

// inboundMediaLimiter is a token bucket over inbound media chunk count and
// base64 payload bytes. Tokens are fractional so smooth streams at exactly
// the configured rate are not starved by integer truncation. A nil limiter
// allows everything.
type inboundMediaLimiter struct {
	now        func() time.Time
	lastRefill time.Time

	chunkRate   int64
	chunkTokens float64
	chunkMax    float64

	byteRate   int64
	byteTokens float64
	byteMax    float64
}

func newInboundMediaLimiter(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds int) *inboundMediaLimiter {
	if chunksPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundMediaLimiter{
		now:        now,
		lastRefill: now(),
		chunkRate:  int64(chunksPerSecond),
		byteRate:   bytesPerSecond,
	}
	if l.chunkRate > 0 {
		l.chunkMax = float64(l.chunkRate * int64(burstSeconds))
		l.chunkTokens = l.chunkMax
	}
	if l.byteRate > 0 {
		l.byteMax = float64(l.byteRate * int64(burstSeconds))
		l.byteTokens = l.byteMax
	}
	return l
}

// Allow reports whether one chunk with the given payload size fits the
// budget, consuming it when it does.
func (l *inboundMediaLimiter) Allow(payloadBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if payloadBytes < 0 {
		payloadBytes = 0
	}
	if l.chunkRate > 0 && l.chunkTokens < 1 {
		return false
	}
	if l.byteRate > 0 && l.byteTokens < float64(payloadBytes) {
		return false
	}
	if l.chunkRate > 0 {
		l.chunkTokens--
	}
	if l.byteRate > 0 {
		l.byteTokens -= float64(payloadBytes)
	}
	return true
}

func (l *inboundMediaLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	l.lastRefill = now
	if elapsed <= 0 {
		return
	}

	seconds := elapsed.Seconds()
	if l.chunkRate > 0 {
		l.chunkTokens += seconds * float64(l.chunkRate)
		if l.chunkTokens > l.chunkMax {
			l.chunkTokens = l.chunkMax
		}
	}
	if l.byteRate > 0 {
		l.byteTokens += seconds * float64(l.byteRate)
		if l.byteTokens > l.byteMax {
			l.byteTokens = l.byteMax
		}
	}
}
