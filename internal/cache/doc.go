// Package cache implements the in-process response cache keyed by
// (local URL, handler cache key). Population is single-flight: concurrent
// misses for one key share a single generation whose result (or error) is
// delivered to every waiter. Failed generations are never stored, expired
// entries are never served, and a background sweep reclaims expired entries
// and trims the store by last-use time without touching keys that are being
// generated.
package cache
