package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	resultURIPrefix = "scan://results/"
	historyURI      = "scan://history"

	// DefaultHistoryLimit bounds how many scan responses a session retains.
	DefaultHistoryLimit = 100
)

// HistoryEntry is one line of the scan history resource.
type HistoryEntry struct {
	ScanID        string    `json:"scan_id"`
	ToolName      string    `json:"tool_name"`
	TargetPath    string    `json:"target_path"`
	Success       bool      `json:"success"`
	Findings      int       `json:"vulnerability_count"`
	ExecutionSecs float64   `json:"execution_time_seconds"`
	ScannedAt     time.Time `json:"scanned_at"`
}

// resultStore retains scan responses for the resources surface, newest
// last, bounded by limit.
type resultStore struct {
	mu    sync.RWMutex
	byID  map[string]*schema.ScanResponse
	order []string
	limit int
}

func newResultStore(limit int) *resultStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &resultStore{
		byID:  make(map[string]*schema.ScanResponse),
		limit: limit,
	}
}

func (s *resultStore) Put(resp *schema.ScanResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[resp.ScanID]; !exists {
		s.order = append(s.order, resp.ScanID)
		if len(s.order) > s.limit {
			evicted := s.order[0]
			s.order = s.order[1:]
			delete(s.byID, evicted)
		}
	}
	s.byID[resp.ScanID] = resp
}

func (s *resultStore) Get(scanID string) (*schema.ScanResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.byID[scanID]
	return resp, ok
}

func (s *resultStore) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]HistoryEntry, 0, len(s.order))
	for _, scanID := range s.order {
		resp := s.byID[scanID]
		entries = append(entries, HistoryEntry{
			ScanID:        resp.ScanID,
			ToolName:      resp.ToolName,
			TargetPath:    resp.TargetPath,
			Success:       resp.Success,
			Findings:      resp.VulnerabilityCount,
			ExecutionSecs: resp.ExecutionTimeSec,
			ScannedAt:     resp.ScannedAt,
		})
	}
	return entries
}

// listResources answers resources/list: the history feed plus one entry per
// retained scan result.
func (s *resultStore) listResources() ResourcesListResult {
	result := ResourcesListResult{
		Resources: []ResourceDescriptor{{
			URI:         historyURI,
			Name:        "Scan history",
			Description: "Summaries of every scan in this session, oldest first",
			MimeType:    "application/json",
		}},
	}
	for _, entry := range s.History() {
		result.Resources = append(result.Resources, ResourceDescriptor{
			URI:      resultURIPrefix + entry.ScanID,
			Name:     fmt.Sprintf("%s scan of %s", entry.ToolName, entry.TargetPath),
			MimeType: "application/json",
		})
	}
	return result
}

// readResource answers resources/read for the two URI shapes.
func (s *resultStore) readResource(uri string) (ResourcesReadResult, *Error) {
	switch {
	case uri == historyURI:
		data, err := json.Marshal(s.History())
		if err != nil {
			return ResourcesReadResult{}, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return ResourcesReadResult{Contents: []ResourceContent{{
			URI:      uri,
			MimeType: "application/json",
			Text:     string(data),
		}}}, nil

	case strings.HasPrefix(uri, resultURIPrefix):
		scanID := strings.TrimPrefix(uri, resultURIPrefix)
		resp, ok := s.Get(scanID)
		if !ok {
			return ResourcesReadResult{}, &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("no scan result with id %s", scanID),
			}
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return ResourcesReadResult{}, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return ResourcesReadResult{Contents: []ResourceContent{{
			URI:      uri,
			MimeType: "application/json",
			Text:     string(data),
		}}}, nil

	default:
		return ResourcesReadResult{}, &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("unknown resource uri %s", uri),
		}
	}
}
