// Package friends answers whether two users are friends. The relationship data
// lives in another service; this package only queries and caches it.
package friends

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

type Status string

const (
	StatusFriends     Status = "FRIENDS"
	StatusNotFriends  Status = "NOT_FRIENDS"
	StatusPending     Status = "PENDING"
	StatusUnspecified Status = "UNSPECIFIED"
)

// IOracle reports the relationship between two users.
type IOracle interface {
	FriendsStatus(ctx context.Context, userA, userB string) (Status, error)
}

type statusResponse struct {
	Status Status `json:"status"`
}

// HTTPOracle asks the relationship service over
// GET {base}/internal/friendships/status?user_a=..&user_b=..
type HTTPOracle struct {
	client *resty.Client
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(50 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &HTTPOracle{client: client}
}

func (o *HTTPOracle) FriendsStatus(ctx context.Context, userA, userB string) (Status, error) {
	var out statusResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"user_a": userA, "user_b": userB}).
		SetResult(&out).
		Get("/internal/friendships/status")
	if err != nil {
		return "", fmt.Errorf("failed to query friendship status: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("friendship service returned %d", resp.StatusCode())
	}
	if out.Status == "" {
		return StatusUnspecified, nil
	}
	return out.Status, nil
}

// Static is an in-process oracle over a fixed set of friendships. It backs the
// memory storage driver and tests.
type Static struct {
	pairs map[[2]string]bool
}

func NewStatic(pairs ...[2]string) *Static {
	s := &Static{pairs: make(map[[2]string]bool)}
	for _, p := range pairs {
		s.Add(p[0], p[1])
	}
	return s
}

func (s *Static) Add(userA, userB string) {
	s.pairs[pairKey(userA, userB)] = true
}

func (s *Static) FriendsStatus(_ context.Context, userA, userB string) (Status, error) {
	if s.pairs[pairKey(userA, userB)] {
		return StatusFriends, nil
	}
	return StatusNotFriends, nil
}

func pairKey(userA, userB string) [2]string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return [2]string{userA, userB}
}
