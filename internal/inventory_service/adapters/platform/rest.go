package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

// APISourceName is the source name tenants select with SOURCE: api.
const APISourceName = "api"

// maxPages stops a nextLink loop that never ends.
const maxPages = 1000

// APISource reads assignments from the platform's REST management API.
type APISource struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewAPISource creates an APISource. httpClient may be nil.
func NewAPISource(logger *slog.Logger, baseURL, token string, httpClient *http.Client) *APISource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &APISource{
		logger:     logger.With("source", APISourceName),
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

func (s *APISource) Name() string { return APISourceName }

func (s *APISource) SystemTag() string { return domain.SystemTagTeams }

// assignmentPage is one page of GET /tenants/{tenant}/phoneNumberAssignments.
type assignmentPage struct {
	Value    []apiAssignment `json:"value"`
	NextLink string          `json:"nextLink"`
}

type apiAssignment struct {
	TelephoneNumber          string `json:"telephoneNumber"`
	UserPrincipalName        string `json:"userPrincipalName"`
	DisplayName              string `json:"displayName"`
	OnlineVoiceRoutingPolicy string `json:"onlineVoiceRoutingPolicy"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *APISource) ListAssignments(ctx context.Context, tenantID string) ([]domain.AuthoritativeAssignment, error) {
	next := fmt.Sprintf("%s/tenants/%s/phoneNumberAssignments", s.baseURL, url.PathEscape(tenantID))
	var out []domain.AuthoritativeAssignment
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("assignment listing for %s exceeded %d pages", tenantID, maxPages)
		}
		p, err := s.fetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, a := range p.Value {
			out = append(out, domain.AuthoritativeAssignment{
				Number:        a.TelephoneNumber,
				Principal:     a.UserPrincipalName,
				DisplayName:   a.DisplayName,
				RoutingPolicy: a.OnlineVoiceRoutingPolicy,
			})
		}
		next = p.NextLink
	}
	s.logger.DebugContext(ctx, "Listed assignments", "tenant_id", tenantID, "count", len(out))
	return out, nil
}

func (s *APISource) fetchPage(ctx context.Context, pageURL string) (*assignmentPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "Management API request failed", "url", pageURL, "error", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrSourceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("management API status %d", resp.StatusCode)
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = fmt.Sprintf("%s: %s %s", msg, apiErr.Error.Code, apiErr.Error.Message)
		}
		s.logger.WarnContext(ctx, "Management API returned an error", "status_code", resp.StatusCode, "message", msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, msg)
		}
		return nil, errors.New(msg)
	}

	var p assignmentPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode assignment page: %w", err)
	}
	return &p, nil
}
