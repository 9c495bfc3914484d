// Package search fans a query out across every online share the caller
// can read and merges the results under a global deadline.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/agentclient"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// Cap bounds and defaults for federated queries.
const (
	DefaultMaxShares          = 30
	MaxSharesCap              = 200
	DefaultMaxResultsPerShare = 200
	MaxResultsPerShareCap     = 1000
	MinResultsPerShare        = 10
	DefaultMaxResultsTotal    = 800
	MaxResultsTotalCap        = 5000
	MinResultsTotal           = 20
	DefaultTimeoutBudgetMS    = 6000
	MinTimeoutBudgetMS        = 500
	MaxTimeoutBudgetMS        = 20000

	defaultWorkers = 8
)

// Params are the caller-supplied knobs of one federated query.
type Params struct {
	Query              string
	BasePath           string
	Recursive          bool
	MaxShares          int
	MaxResultsPerShare int
	MaxResultsTotal    int
	TimeoutBudgetMS    int
	Compact            bool
}

func clamp(v, def, min, max int) int {
	if v == 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (p *Params) applyDefaults() {
	p.MaxShares = clamp(p.MaxShares, DefaultMaxShares, 1, MaxSharesCap)
	p.MaxResultsPerShare = clamp(p.MaxResultsPerShare, DefaultMaxResultsPerShare, MinResultsPerShare, MaxResultsPerShareCap)
	p.MaxResultsTotal = clamp(p.MaxResultsTotal, DefaultMaxResultsTotal, MinResultsTotal, MaxResultsTotalCap)
	p.TimeoutBudgetMS = clamp(p.TimeoutBudgetMS, DefaultTimeoutBudgetMS, MinTimeoutBudgetMS, MaxTimeoutBudgetMS)
}

// ShareError reports one share that failed during the fan-out.
type ShareError struct {
	DeviceID string `json:"device_id"`
	ShareID  string `json:"share_id"`
	Error    string `json:"error"`
}

// AccessDescriptor lets compact-mode clients reach an agent directly
// instead of carrying per-item URLs.
type AccessDescriptor struct {
	DeviceID     string   `json:"device_id"`
	ShareID      string   `json:"share_id"`
	AgentBaseURL string   `json:"agent_base_url"`
	Ticket       string   `json:"ticket"`
	Permissions  []string `json:"permissions"`
	CanDownload  bool     `json:"can_download"`
	ExpiresIn    int      `json:"expires_in"`
}

// Result is the merged federated response.
type Result struct {
	Query     string                      `json:"query"`
	BasePath  string                      `json:"base_path"`
	Recursive bool                        `json:"recursive"`
	Federated bool                        `json:"federated"`
	Items     []agentclient.Item          `json:"items"`
	Truncated bool                        `json:"truncated"`
	Errors    []ShareError                `json:"errors"`
	AccessMap map[string]AccessDescriptor `json:"access_map,omitempty"`
}

type candidate struct {
	device      models.AgentDevice
	share       models.Share
	permissions acl.Set
}

// Service runs federated searches.
type Service struct {
	store   store.DeviceStore
	acl     *acl.Service
	issuer  *token.Issuer
	agents  *agentclient.Client
	workers int
}

// NewService wires a search service. workers bounds the fan-out pool; a
// non-positive value selects the default.
func NewService(s store.DeviceStore, aclSvc *acl.Service, issuer *token.Issuer, agents *agentclient.Client, workers int) *Service {
	if workers < 4 {
		workers = defaultWorkers
	}
	return &Service{store: s, acl: aclSvc, issuer: issuer, agents: agents, workers: workers}
}

// candidates selects online, visible, readable shares up to the cap.
func (s *Service) candidates(ctx context.Context, principalID string, maxShares int) ([]candidate, error) {
	shares, err := s.store.ListShares(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ownerByShare := make(map[string]string, len(shares))
	visible := make([]models.Share, 0, len(shares))
	for _, share := range shares {
		device := share.AgentDevice
		if !device.Visibility && device.OwnerPrincipalID != principalID {
			continue
		}
		if !device.IsOnline(now) {
			continue
		}
		ownerByShare[share.ID] = device.OwnerPrincipalID
		visible = append(visible, share)
	}

	permsByShare, err := s.acl.PermissionsForShares(ctx, principalID, visible, ownerByShare)
	if err != nil {
		return nil, err
	}

	var selected []candidate
	for _, share := range visible {
		permissions := permsByShare[share.ID]
		if !permissions.Has(acl.PermRead) {
			continue
		}
		selected = append(selected, candidate{device: share.AgentDevice, share: share, permissions: permissions})
		if len(selected) >= maxShares {
			break
		}
	}
	return selected, nil
}

type shareResult struct {
	candidate candidate
	ticket    string
	payload   *agentclient.SearchPayload
}

// Run executes a federated search for one principal.
func (s *Service) Run(ctx context.Context, principalID string, params Params) (*Result, error) {
	params.applyDefaults()

	result := &Result{
		Query:     params.Query,
		BasePath:  params.BasePath,
		Recursive: params.Recursive,
		Federated: true,
		Items:     []agentclient.Item{},
		Errors:    []ShareError{},
	}

	selected, err := s.candidates(ctx, principalID, params.MaxShares)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return result, nil
	}

	deadline := time.Duration(params.TimeoutBudgetMS) * time.Millisecond
	fanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		mu        sync.Mutex
		collected []shareResult
	)

	group, groupCtx := errgroup.WithContext(fanCtx)
	group.SetLimit(s.workers)
	for _, cand := range selected {
		cand := cand
		group.Go(func() error {
			ticket, err := s.issuer.ReadTicket(principalID, cand.share.ID, cand.permissions.Sorted())
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, ShareError{
					DeviceID: cand.device.ID, ShareID: cand.share.ID, Error: err.Error(),
				})
				mu.Unlock()
				return nil
			}
			payload, err := s.agents.SearchShare(groupCtx, cand.device.BaseURL, cand.share.ID,
				params.BasePath, params.Query, params.Recursive, ticket, params.MaxResultsPerShare)
			if err != nil {
				// Shares cancelled by the deadline are reported through
				// the truncated flag, not the error list.
				if groupCtx.Err() != nil {
					return nil
				}
				mu.Lock()
				result.Errors = append(result.Errors, ShareError{
					DeviceID: cand.device.ID, ShareID: cand.share.ID, Error: err.Error(),
				})
				mu.Unlock()
				logger.Debug("share search failed",
					"device_id", cand.device.ID,
					"share_id", cand.share.ID,
					"error", err)
				return nil
			}
			mu.Lock()
			collected = append(collected, shareResult{candidate: cand, ticket: ticket, payload: payload})
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if fanCtx.Err() != nil && ctx.Err() == nil {
		result.Truncated = true
	}

	if params.Compact {
		result.AccessMap = make(map[string]AccessDescriptor)
	}
	for _, res := range collected {
		if res.payload.Truncated {
			result.Truncated = true
		}
		if params.Compact {
			key := res.candidate.device.ID + ":" + res.candidate.share.ID
			result.AccessMap[key] = AccessDescriptor{
				DeviceID:     res.candidate.device.ID,
				ShareID:      res.candidate.share.ID,
				AgentBaseURL: strings.TrimRight(res.candidate.device.BaseURL, "/"),
				Ticket:       res.ticket,
				Permissions:  res.candidate.permissions.Sorted(),
				CanDownload:  res.candidate.permissions.Has(acl.PermDownload),
				ExpiresIn:    int(s.issuer.ReadTTL.Seconds()),
			}
		}

		items := res.payload.Items
		if len(items) > params.MaxResultsPerShare {
			items = items[:params.MaxResultsPerShare]
			result.Truncated = true
		}
		for _, item := range items {
			item.DeviceID = res.candidate.device.ID
			item.ShareID = res.candidate.share.ID
			item.ShareName = res.candidate.share.Name
			item.DeviceName = res.candidate.device.Name
			if !params.Compact && !item.IsDir {
				streamURL, downloadURL := agentclient.FileURLs(
					res.candidate.device.BaseURL, res.candidate.share.ID, item.Path, res.ticket)
				item.StreamURL = streamURL
				if res.candidate.permissions.Has(acl.PermDownload) {
					item.DownloadURL = downloadURL
				}
			}
			result.Items = append(result.Items, item)
		}
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return strings.ToLower(a.Path) < strings.ToLower(b.Path)
	})
	if len(result.Items) > params.MaxResultsTotal {
		result.Items = result.Items[:params.MaxResultsTotal]
		result.Truncated = true
	}
	if len(result.AccessMap) == 0 {
		result.AccessMap = nil
	}
	return result, nil
}
