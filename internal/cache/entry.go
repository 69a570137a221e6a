package cache

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrNoGenerator 表示调用方未提供生成函数。
var ErrNoGenerator = errors.New("cache generator required")

// Key 唯一定位一个缓存条目（本地 URL + Handler 声明的缓存键）。
type Key struct {
	LocalURL string
	CacheKey string
}

func (k Key) String() string {
	return k.LocalURL + "::" + k.CacheKey
}

// flight 返回 single-flight 分组键；带长度前缀，任意两个不同的 Key 不会拼出同一个串。
func (k Key) flight() string {
	return strconv.Itoa(len(k.LocalURL)) + ":" + k.LocalURL + k.CacheKey
}

// Entry 保存生成的响应字节与捕获的状态码/头部。Payload 写入后不再修改。
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Payload  []byte
	Encoding string
	// Precompressed 表示 Encoding 来自 Handler（预压缩文件），而非缓存写入时压缩。
	Precompressed bool
	Created       time.Time
	Expires       time.Time

	lastUsed atomic.Int64
}

// NewEntry 构造条目，Created/Expires 由 Cache 写入时填充。
func NewEntry(status int, header http.Header, payload []byte) *Entry {
	if header == nil {
		header = http.Header{}
	}
	return &Entry{Status: status, Header: header, Payload: payload}
}

// LastUsed 返回最近一次命中时间。
func (e *Entry) LastUsed() time.Time {
	return time.Unix(0, e.lastUsed.Load())
}

// Size 返回正文字节数。
func (e *Entry) Size() int {
	return len(e.Payload)
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.Expires)
}

// RemainingTTL 返回剩余存活时间，过期时为 0。
func (e *Entry) RemainingTTL(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.Expires.Sub(now)
}

func (e *Entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}
