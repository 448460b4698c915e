// Package pacer implements the same shape of retry/backoff helper as
// rclone's lib/pacer: an exponential-decay sleep time that backs off on
// retryable failures and decays back down on success, guarding a bounded
// number of concurrent in-flight calls.
package pacer

import (
	"sync"
	"time"
)

const (
	defaultMinSleep      = 100 * time.Millisecond
	defaultMaxSleep      = 2 * time.Second
	defaultDecayConstant = 2
	defaultRetries       = 3
)

// Pacer paces calls to a retryable operation, guarding against hammering a
// flaky remote with tight retry loops.
type Pacer struct {
	mu            sync.Mutex
	minSleep      time.Duration
	maxSleep      time.Duration
	decayConstant uint
	retries       int
	sleepTime     time.Duration
	tokens        chan struct{} // bounds concurrent in-flight calls
}

// Option mutates a Pacer under construction.
type Option func(*Pacer)

// MinSleep overrides the minimum backoff sleep.
func MinSleep(d time.Duration) Option { return func(p *Pacer) { p.minSleep = d } }

// MaxSleep overrides the maximum backoff sleep.
func MaxSleep(d time.Duration) Option { return func(p *Pacer) { p.maxSleep = d } }

// Retries overrides the retry count.
func Retries(n int) Option { return func(p *Pacer) { p.retries = n } }

// MaxConnections bounds the number of concurrent Call invocations that may
// be in their retryable body at once; 0 means unbounded.
func MaxConnections(n int) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.tokens = make(chan struct{}, n)
		} else {
			p.tokens = nil
		}
	}
}

// New builds a Pacer with defaults plus any options.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		minSleep:      defaultMinSleep,
		maxSleep:      defaultMaxSleep,
		decayConstant: defaultDecayConstant,
		retries:       defaultRetries,
	}
	p.sleepTime = p.minSleep
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pacer) decay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.sleepTime - p.sleepTime/time.Duration(p.decayConstant+1)
	if next < p.minSleep {
		next = p.minSleep
	}
	p.sleepTime = next
	return next
}

func (p *Pacer) attack() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.sleepTime + p.sleepTime/time.Duration(p.decayConstant+1) + p.minSleep
	if next > p.maxSleep {
		next = p.maxSleep
	}
	p.sleepTime = next
	return next
}

// Call invokes fn, retrying while fn reports retry=true, sleeping an
// exponentially increasing amount between attempts and decaying back down
// after a success.
func (p *Pacer) Call(fn func() (retry bool, err error)) error {
	if p.tokens != nil {
		p.tokens <- struct{}{}
		defer func() { <-p.tokens }()
	}
	var err error
	for try := 0; try <= p.retries; try++ {
		var retry bool
		retry, err = fn()
		if !retry {
			p.decay()
			return err
		}
		sleep := p.attack()
		if try < p.retries {
			time.Sleep(sleep)
		}
	}
	return err
}
