package pricing

import "strings"

// Capabilities maps a configuration capability to the model id prefixes known
// to honor it.
type Capabilities map[string][]string

// Honors reports whether modelID is known to honor capability.
func (c Capabilities) Honors(modelID, capability string) bool {
	if modelID == "" {
		return false
	}
	for _, prefix := range c[capability] {
		if strings.HasPrefix(modelID, prefix) {
			return true
		}
	}
	return false
}
