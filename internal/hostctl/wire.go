package hostctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/latticectl/internal/auth"
	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/links"
)

const (
	actionHosts           = "hosts"
	actionAuctionProvider = "auction_provider"
	actionAuctionActor    = "auction_actor"
	actionStartProvider   = "start_provider"
	actionScaleActor      = "scale_actor"
	actionPutLink         = "put_link"
	actionDelLink         = "del_link"
	actionGetLinks        = "get_links"
	actionSubscribe       = "subscribe"
)

// Line kinds on streamed responses. Plain request/response exchanges leave kind empty.
const (
	kindBid        = "bid"
	kindDone       = "done"
	kindSubscribed = "subscribed"
	kindEvent      = "event"
)

// Error codes carried on failed responses so callers can match sentinels.
const (
	codeConflict     = "conflict"
	codeInvalidLink  = "invalid_link"
	codeUnauthorized = "unauthorized"
)

var (
	// ErrRemote marks a failure reported by the server rather than the connection.
	ErrRemote = errors.New("hostctl: remote error")
	// ErrProtocol marks a response that does not fit the exchange.
	ErrProtocol = errors.New("hostctl: protocol error")
)

// controlRequest is one action envelope; only the fields the action needs are set.
type controlRequest struct {
	Action      string                        `json:"action"`
	RequestID   string                        `json:"request_id"`
	Token       string                        `json:"token,omitempty"`
	Ref         string                        `json:"ref,omitempty"`
	LinkName    string                        `json:"link_name,omitempty"`
	Constraints map[string]string             `json:"constraints,omitempty"`
	TimeoutMS   int64                         `json:"timeout_ms,omitempty"`
	Start       *lattice.StartProviderCommand `json:"start,omitempty"`
	Scale       *lattice.ScaleActorCommand    `json:"scale,omitempty"`
	Link        *links.Link                   `json:"link,omitempty"`
	LinkKey     *links.LinkKey                `json:"link_key,omitempty"`
	Kinds       []string                      `json:"kinds,omitempty"`
}

// controlResponse is written by the server; Data is encoded from any value.
type controlResponse struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// clientResponse is the client's view of a controlResponse with Data left raw.
type clientResponse struct {
	OK        bool            `json:"ok"`
	RequestID string          `json:"request_id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// failure builds an error response, tagging errors the client can map back to sentinels.
func failure(requestID string, err error) controlResponse {
	resp := controlResponse{OK: false, RequestID: requestID, Error: err.Error()}
	switch {
	case errors.Is(err, links.ErrConflict):
		resp.Code = codeConflict
	case errors.Is(err, links.ErrInvalidLink):
		resp.Code = codeInvalidLink
	case errors.Is(err, auth.ErrUnauthorized):
		resp.Code = codeUnauthorized
	}
	return resp
}

// remoteError turns a failed response into an error wrapping ErrRemote and,
// where the code names one, the matching sentinel.
func remoteError(action string, resp clientResponse) error {
	msg := resp.Error
	if msg == "" {
		msg = action + " failed"
	}
	var sentinel error
	switch resp.Code {
	case codeConflict:
		sentinel = links.ErrConflict
	case codeInvalidLink:
		sentinel = links.ErrInvalidLink
	case codeUnauthorized:
		sentinel = auth.ErrUnauthorized
	default:
		return fmt.Errorf("%w: %s failed: %s", ErrRemote, action, msg)
	}
	return fmt.Errorf("%w: %w", ErrRemote, &codedError{msg: msg, sentinel: sentinel})
}

// codedError carries the server's message verbatim while matching a local sentinel.
type codedError struct {
	msg      string
	sentinel error
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Unwrap() error { return e.sentinel }

func decodeData(resp clientResponse, out any) error {
	if len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s data: %w", ErrProtocol, resp.Kind, err)
	}
	return nil
}
