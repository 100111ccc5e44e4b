package catalog

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// EstimateTokenCost counts tokens in a record's content body using the
// cl100k_base encoding. The encoding is fetched lazily; if it is unavailable
// (offline environments), a bytes/4 heuristic is used instead.
func EstimateTokenCost(content string) int {
	if content == "" {
		return 0
	}

	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})

	if encoder != nil {
		return len(encoder.Encode(content, nil, nil))
	}
	return (len(content) + 3) / 4
}
