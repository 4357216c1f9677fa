package twofactor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/escrow-tf/steamguard/api"
)

type Client struct {
	transport api.Transport
}

func NewClient(transport api.Transport) *Client {
	return &Client{transport: transport}
}

type QueryTimeRequest struct{}

func (q QueryTimeRequest) Retryable() bool {
	return false
}

func (q QueryTimeRequest) CacheTTL() time.Duration {
	return 0
}

func (q QueryTimeRequest) RequiresApiKey() bool {
	return false
}

func (q QueryTimeRequest) Method() string {
	return http.MethodPost
}

func (q QueryTimeRequest) Url() string {
	return fmt.Sprintf("%s/ITwoFactorService/QueryTime/v0001", api.BaseURL)
}

func (q QueryTimeRequest) Values() (url.Values, error) {
	return url.Values{
		"steamid": []string{"0"},
	}, nil
}

type QueryTimeResponse struct {
	Response struct {
		ServerTime                 int64 `json:"server_time,string"`
		SkewToleranceSeconds       int   `json:"skew_tolerance_seconds,string"`
		LargeTimeJink              int   `json:"large_time_jink,string"`
		ProbeFrequencySeconds      int   `json:"probe_frequency_seconds"`
		AdjustedTimeProbeFrequency int   `json:"adjusted_time_probe_frequency_seconds"`
		HintProbeFrequencySeconds  int   `json:"hint_probe_frequency_seconds"`
		SyncTimeout                int   `json:"sync_timeout"`
		TryAgainSeconds            int   `json:"try_again_seconds"`
		MaxAttempts                int   `json:"max_attempts"`
	} `json:"response"`
}

// QueryTime asks Steam for its current server time, in unix seconds. It
// satisfies steamtime.QueryTimer.
func (c *Client) QueryTime(ctx context.Context) (int64, error) {
	request := QueryTimeRequest{}
	var response QueryTimeResponse
	if sendErr := c.transport.Send(ctx, request, &response); sendErr != nil {
		return 0, sendErr
	}
	return response.Response.ServerTime, nil
}
