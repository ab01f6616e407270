package session

import "strings"

// headerCarrier adapts parsed request headers to propagation.TextMapCarrier.
type headerCarrier map[string]string

func (hc headerCarrier) Get(key string) string {
	return hc[strings.ToLower(key)]
}

func (hc headerCarrier) Set(key, value string) {
	hc[strings.ToLower(key)] = value
}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	return keys
}
