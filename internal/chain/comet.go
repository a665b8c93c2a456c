package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// CometRPC reads a CometBFT node over its JSON-RPC HTTP interface.
type CometRPC struct {
	base   *url.URL
	client *http.Client
}

// NewCometRPC returns a client for the node at endpoint, e.g.
// "http://localhost:26657".
func NewCometRPC(endpoint string, timeout time.Duration) (*CometRPC, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("rpc endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rpc endpoint %q: unsupported scheme", endpoint)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CometRPC{base: u, client: &http.Client{Timeout: timeout}}, nil
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

type statusResult struct {
	NodeInfo struct {
		Network string `json:"network"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
	} `json:"sync_info"`
}

type blockResult struct {
	BlockID struct {
		Hash string `json:"hash"`
	} `json:"block_id"`
	Block *struct {
		Header struct {
			ChainID string    `json:"chain_id"`
			Height  string    `json:"height"`
			Time    time.Time `json:"time"`
		} `json:"header"`
	} `json:"block"`
}

type abciEvent struct {
	Type       string `json:"type"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

type txResult struct {
	Events []abciEvent `json:"events"`
}

type blockResultsResult struct {
	Height              string      `json:"height"`
	TxsResults          []txResult  `json:"txs_results"`
	FinalizeBlockEvents []abciEvent `json:"finalize_block_events"`
}

// call performs GET path?query and decodes the JSON-RPC result into out.
func (c *CometRPC) call(ctx context.Context, op string, height uint64, path string, query url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &FatalIngestError{Height: height, Op: op, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &RetryableIngestError{Height: height, Op: op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &RetryableIngestError{Height: height, Op: op, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &RetryableIngestError{Height: height, Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var r rpcResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return &FatalIngestError{Height: height, Op: op, Err: fmt.Errorf("decoding response (http %d): %w", resp.StatusCode, err)}
	}
	if r.Error != nil {
		msg := r.Error.Message + ": " + r.Error.Data
		// Nodes answer heights they have not reached yet with an error.
		if strings.Contains(r.Error.Data, "must be less than or equal to") || strings.Contains(r.Error.Data, "could not find results") {
			return &RetryableIngestError{Height: height, Op: op, Err: errors.New(msg)}
		}
		return &FatalIngestError{Height: height, Op: op, Err: errors.New(msg)}
	}
	if resp.StatusCode != http.StatusOK {
		return &FatalIngestError{Height: height, Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return &FatalIngestError{Height: height, Op: op, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return nil
}

// LatestHeight returns the node's latest committed height.
func (c *CometRPC) LatestHeight(ctx context.Context) (uint64, error) {
	var st statusResult
	if err := c.call(ctx, "status", 0, "/status", nil, &st); err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(st.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, &FatalIngestError{Op: "status", Err: fmt.Errorf("latest_block_height: %w", err)}
	}
	return h, nil
}

// ChainID returns the network name the node reports.
func (c *CometRPC) ChainID(ctx context.Context) (string, error) {
	var st statusResult
	if err := c.call(ctx, "status", 0, "/status", nil, &st); err != nil {
		return "", err
	}
	return st.NodeInfo.Network, nil
}

// GetBlock returns the header of the block at height.
func (c *CometRPC) GetBlock(ctx context.Context, height uint64) (*Block, error) {
	var br blockResult
	q := url.Values{"height": {strconv.FormatUint(height, 10)}}
	if err := c.call(ctx, "block", height, "/block", q, &br); err != nil {
		return nil, err
	}
	if br.Block == nil {
		return nil, &FatalIngestError{Height: height, Op: "block", Err: errors.New("missing block")}
	}
	h, err := strconv.ParseUint(br.Block.Header.Height, 10, 64)
	if err != nil {
		return nil, &FatalIngestError{Height: height, Op: "block", Err: fmt.Errorf("header height: %w", err)}
	}
	return &Block{
		ChainID: br.Block.Header.ChainID,
		Height:  h,
		Hash:    br.BlockID.Hash,
		Time:    br.Block.Header.Time,
	}, nil
}

// GetEvents returns the transaction and finalize-block events of each
// height in from..to.
func (c *CometRPC) GetEvents(ctx context.Context, from, to uint64) ([]packet.RawEvent, error) {
	var out []packet.RawEvent
	for h := from; h <= to; h++ {
		var res blockResultsResult
		q := url.Values{"height": {strconv.FormatUint(h, 10)}}
		if err := c.call(ctx, "block_results", h, "/block_results", q, &res); err != nil {
			return out, err
		}
		for _, tx := range res.TxsResults {
			for _, ev := range tx.Events {
				out = append(out, toRawEvent(ev, h))
			}
		}
		for _, ev := range res.FinalizeBlockEvents {
			out = append(out, toRawEvent(ev, h))
		}
	}
	return out, nil
}

func toRawEvent(ev abciEvent, height uint64) packet.RawEvent {
	attrs := make(map[string]string, len(ev.Attributes))
	for _, a := range ev.Attributes {
		// First occurrence wins.
		if _, ok := attrs[a.Key]; !ok {
			attrs[a.Key] = a.Value
		}
	}
	return packet.RawEvent{Kind: ev.Type, Height: height, Attributes: attrs}
}

var _ RPC = (*CometRPC)(nil)
