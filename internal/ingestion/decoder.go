package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Head is a decoded newHeads notification.
type Head struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
}

// rawHead represents the header fields we read from a newHeads payload.
type rawHead struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

// DecodeHead parses the params of an eth_subscription newHeads notification.
func DecodeHead(params json.RawMessage) (*Head, error) {
	var notification struct {
		Subscription string  `json:"subscription"`
		Result       rawHead `json:"result"`
	}
	if err := json.Unmarshal(params, &notification); err != nil {
		return nil, fmt.Errorf("parsing notification: %w", err)
	}

	raw := notification.Result
	if raw.Number == "" {
		return nil, fmt.Errorf("not a newHeads notification: missing block number")
	}

	number, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("decoding block number %q: %w", raw.Number, err)
	}

	head := &Head{
		Number:     number,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
	}

	if raw.Timestamp != "" {
		ts, err := hexutil.DecodeUint64(raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decoding timestamp %q: %w", raw.Timestamp, err)
		}
		head.Timestamp = time.Unix(int64(ts), 0).UTC()
	}

	return head, nil
}
