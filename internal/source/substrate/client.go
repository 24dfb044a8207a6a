package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/gorilla/websocket"
)

// Chain identifier for Substrate nodes.
const Chain = "substrate"

const (
	subscribeRequestID   = 1
	unsubscribeRequestID = 2
	writeTimeout         = 5 * time.Second
	// maxCatchUp bounds how many skipped blocks are fetched after one head.
	maxCatchUp = 64
)

// Client follows a Substrate node's heads over WebSocket JSON-RPC and reads
// the decoded events of every announced block from a Substrate API Sidecar.
type Client struct {
	id          string
	wsURL       string
	rpcURL      string
	sidecarURL  string
	subscribe   string
	unsubscribe string
	dialer      *websocket.Dialer
	http        *http.Client
	log         *slog.Logger
}

var _ feed.BlockStream = (*Client)(nil)

// NewClient builds a client for a substrate source.
func NewClient(src config.Source, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	subscribe, unsubscribe := "chain_subscribeNewHeads", "chain_unsubscribeNewHeads"
	if src.Heads == config.HeadsFinalized {
		subscribe, unsubscribe = "chain_subscribeFinalizedHeads", "chain_unsubscribeFinalizedHeads"
	}
	return &Client{
		id:          src.ID,
		wsURL:       src.WSURL,
		rpcURL:      src.RPCURL,
		sidecarURL:  strings.TrimSuffix(src.SidecarURL, "/"),
		subscribe:   subscribe,
		unsubscribe: unsubscribe,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         log.With("source", src.ID),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcMessage struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params *struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type header struct {
	Number     string `json:"number"`
	ParentHash string `json:"parentHash"`
}

func (h header) height() (uint64, error) {
	if h.Number == "" {
		return 0, errors.New("empty block number")
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(h.Number, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", h.Number, err)
	}
	return n, nil
}

// SubscribeEvents implements feed.Stream.
func (c *Client) SubscribeEvents(ctx context.Context, onBatch func([]feed.RawEvent)) (feed.CancelFunc, error) {
	return c.SubscribeBlocks(ctx, func(_ uint64, batch []feed.RawEvent) { onBatch(batch) })
}

// SubscribeBlocks implements feed.BlockStream. Each announced head becomes
// one batch holding that block's events. Blocks skipped between two heads,
// as happens with finalized heads, are fetched in order; a block whose events
// cannot be fetched is retried with the next head.
func (c *Client) SubscribeBlocks(ctx context.Context, onBlock func(uint64, []feed.RawEvent)) (feed.CancelFunc, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	// Closing the connection unblocks the handshake read.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	subID, err := c.handshake(conn)
	if !stopWatch() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log.Debug("subscribed", "method", c.subscribe, "subscription", subID)

	fetchCtx, stopFetch := context.WithCancel(ctx)
	var closing atomic.Bool
	stopLife := context.AfterFunc(ctx, func() {
		closing.Store(true)
		_ = conn.Close()
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var (
			next     uint64
			tracking bool
		)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !closing.Load() {
					c.log.Warn("head stream closed", "error", err)
				}
				return
			}
			var msg rpcMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn("decode notification", "error", err)
				continue
			}
			if msg.Params == nil || string(msg.Params.Subscription) != subID {
				continue
			}
			var head header
			if err := json.Unmarshal(msg.Params.Result, &head); err != nil {
				c.log.Warn("decode head", "error", err)
				continue
			}
			number, err := head.height()
			if err != nil {
				c.log.Warn("decode head", "error", err)
				continue
			}

			if !tracking {
				next, tracking = number, true
			}
			from := number
			if next < number {
				from = next
				if number-from >= maxCatchUp {
					c.log.Warn("too far behind, skipping blocks", "from", from, "to", number)
					from = number - maxCatchUp + 1
				}
			}
			for n := from; n <= number; n++ {
				batch, err := c.BlockEvents(fetchCtx, n)
				if err != nil {
					if fetchCtx.Err() == nil {
						c.log.Warn("fetch block events", "block", n, "error", err)
					}
					break
				}
				next = n + 1
				if len(batch) > 0 {
					onBlock(n, batch)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			closing.Store(true)
			stopLife()
			stopFetch()
			c.sendUnsubscribe(conn, subID)
			_ = conn.Close()
			<-done
		})
	}, nil
}

func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: subscribeRequestID, Method: c.subscribe, Params: []any{}}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("send %s: %w", c.subscribe, err)
	}
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("read %s response: %w", c.subscribe, err)
		}
		if msg.ID == nil || *msg.ID != subscribeRequestID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("%s: %w", c.subscribe, msg.Error)
		}
		if len(msg.Result) == 0 || string(msg.Result) == "null" {
			return "", fmt.Errorf("%s: empty subscription id", c.subscribe)
		}
		return string(msg.Result), nil
	}
}

func (c *Client) sendUnsubscribe(conn *websocket.Conn, subID string) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      unsubscribeRequestID,
		Method:  c.unsubscribe,
		Params:  []any{json.RawMessage(subID)},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("unsubscribe", "error", err)
	}
}

// BlockEvents reads the decoded events of block n from the sidecar.
func (c *Client) BlockEvents(ctx context.Context, n uint64) ([]feed.RawEvent, error) {
	url := fmt.Sprintf("%s/blocks/%d?eventDocs=false&extrinsicDocs=false", c.sidecarURL, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", n, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("get block %d: sidecar status %d", n, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", n, err)
	}
	return DecodeBlock(raw)
}

// CurrentBlockHeight implements feed.Stream using chain_getHeader.
func (c *Client) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	var head header
	if err := c.call(ctx, "chain_getHeader", &head); err != nil {
		return 0, err
	}
	n, err := head.height()
	if err != nil {
		return 0, fmt.Errorf("chain_getHeader: %w", err)
	}
	return n, nil
}

func (c *Client) call(ctx context.Context, method string, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var msg rpcMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("%s: %w", method, msg.Error)
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
