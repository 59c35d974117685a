package rediskey

import "fmt"

// SequencePrefix namespaces the daily business-number counters.
const SequencePrefix = "seq"

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{kind}:{scope}:{day}".
func BuildSequenceKey(kind, scope, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s:%s", kind, scope, day))
}
