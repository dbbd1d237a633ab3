// Package echo provides a TTL-bounded seen-set that suppresses re-emission
// of contexts the system just applied from a transport.
package echo
