// Package classifier maps arbitrary errors raised by a wrapped operation
// to a canonical category and a retryability hint: structural matches on
// known driver and net error types first, then a case-insensitive
// string-fragment fallback over the message.
package classifier

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/hongkongkiwi/retrygo/recovery"
)

// defaultCacheSize bounds the classifier's type-name -> verdict cache.
const defaultCacheSize = 256

type verdict struct {
	category    recovery.ErrorCategory
	recoverable bool
}

// Classifier is safe for concurrent use.
type Classifier struct {
	mu       sync.Mutex
	cache    map[string]*list.Element
	order    *list.List
	capacity int
}

type cacheEntry struct {
	key     string
	verdict verdict
}

// New returns a Classifier with the default bounded cache size.
func New() *Classifier {
	return &Classifier{
		cache:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: defaultCacheSize,
	}
}

// Classify returns the error's category and whether it is, in principle,
// worth retrying. It never panics and performs no I/O. Unknown errors
// default to (Unknown, true): under-retrying a transient fault is worse
// than over-retrying a permanent one, which the circuit breaker will stop
// anyway. Verdicts are cached by the error's dynamic type name, so a later
// error of an already-seen type gets the cached verdict without its
// message or code being examined.
func (c *Classifier) Classify(err error) (recovery.ErrorCategory, bool) {
	if err == nil {
		return recovery.CategoryUnknown, false
	}

	key := fmt.Sprintf("%T", err)
	if v, ok := c.lookup(key); ok {
		return v.category, v.recoverable
	}

	v := classify(err)
	c.remember(key, v)
	return v.category, v.recoverable
}

func (c *Classifier) lookup(key string) (verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.cache[key]
	if !ok {
		return verdict{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).verdict, true
}

func (c *Classifier) remember(key string, v verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.cache[key]; ok {
		el.Value.(*cacheEntry).verdict = v
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, verdict: v})
	c.cache[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*cacheEntry).key)
	}
}

// classify performs the two-layer match: structural first, then a
// case-insensitive string-fragment fallback over the error message.
func classify(err error) verdict {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return verdict{recovery.CategoryTimeout, true}
		}
		return verdict{recovery.CategoryNetwork, true}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "connection refused", "connection reset", "no such host", "dial tcp", "broken pipe"):
		return verdict{recovery.CategoryNetwork, true}
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return verdict{recovery.CategoryTimeout, true}
	case containsAny(msg, "permission denied", "forbidden", "access denied", "unauthorized"):
		return verdict{recovery.CategoryPermission, false}
	case containsAny(msg, "invalid value", "invalid type", "invalid key", "schema", "validation"):
		return verdict{recovery.CategoryValidation, false}
	case containsAny(msg, "out of memory", "disk full", "no space left", "quota", "too many open files"):
		return verdict{recovery.CategoryResource, true}
	case containsAny(msg, "connection"):
		return verdict{recovery.CategoryNetwork, true}
	default:
		return verdict{recovery.CategoryUnknown, true}
	}
}

func classifyPostgres(pqErr *pq.Error) verdict {
	switch pqErr.Code {
	case "08000", "08003", "08006":
		return verdict{recovery.CategoryNetwork, true}
	case "42501", "28000", "28P01":
		return verdict{recovery.CategoryPermission, false}
	case "53000", "53100", "53200", "53300", "58030":
		return verdict{recovery.CategoryResource, true}
	case "23000", "23001", "23502", "23503", "23505", "23514":
		return verdict{recovery.CategoryValidation, false}
	case "55P03":
		return verdict{recovery.CategoryTimeout, true}
	default:
		return verdict{recovery.CategorySystem, false}
	}
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
