package rediskey

import "fmt"

// Key namespaces shared across the API server and the worker.
const (
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{prefix}:{scope}:{day}", the daily counter
// behind human-readable job refs.
func BuildSequenceKey(prefix, scope, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s:%s", prefix, scope, day))
}
