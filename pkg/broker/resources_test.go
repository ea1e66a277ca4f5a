package broker

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

func storedResponse(scanID, tool string) *schema.ScanResponse {
	return &schema.ScanResponse{
		Success:          true,
		ScanID:           scanID,
		ToolName:         tool,
		TargetPath:       "/srv/app",
		ExecutionTimeSec: 1.5,
		ScannedAt:        time.Now().UTC(),
	}
}

func TestResultStoreEviction(t *testing.T) {
	store := newResultStore(2)
	store.Put(storedResponse("a", "semgrep"))
	store.Put(storedResponse("b", "trivy"))
	store.Put(storedResponse("c", "syft"))

	if _, ok := store.Get("a"); ok {
		t.Error("oldest entry must be evicted at the limit")
	}
	history := store.History()
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2", len(history))
	}
	if history[0].ScanID != "b" || history[1].ScanID != "c" {
		t.Errorf("History() order = %s,%s, want b,c", history[0].ScanID, history[1].ScanID)
	}
}

func TestResultStoreOverwriteKeepsOrder(t *testing.T) {
	store := newResultStore(5)
	store.Put(storedResponse("a", "semgrep"))
	store.Put(storedResponse("b", "trivy"))

	updated := storedResponse("a", "semgrep")
	updated.VulnerabilityCount = 7
	store.Put(updated)

	history := store.History()
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2", len(history))
	}
	if history[0].ScanID != "a" || history[0].Findings != 7 {
		t.Errorf("overwrite must update in place, got %+v", history[0])
	}
}

func TestListResources(t *testing.T) {
	store := newResultStore(5)
	store.Put(storedResponse("abc", "semgrep"))

	result := store.listResources()
	if len(result.Resources) != 2 {
		t.Fatalf("listResources() len = %d, want history plus one result", len(result.Resources))
	}
	if result.Resources[0].URI != historyURI {
		t.Errorf("first resource = %s, want %s", result.Resources[0].URI, historyURI)
	}
	if result.Resources[1].URI != resultURIPrefix+"abc" {
		t.Errorf("result resource = %s, want %sabc", result.Resources[1].URI, resultURIPrefix)
	}
}

func TestReadResource(t *testing.T) {
	store := newResultStore(5)
	store.Put(storedResponse("abc", "semgrep"))

	result, rpcErr := store.readResource(resultURIPrefix + "abc")
	if rpcErr != nil {
		t.Fatalf("readResource(result) failed: %v", rpcErr)
	}
	var resp schema.ScanResponse
	if err := json.Unmarshal([]byte(result.Contents[0].Text), &resp); err != nil {
		t.Fatalf("result payload is not a scan response: %v", err)
	}
	if resp.ScanID != "abc" || resp.ToolName != "semgrep" {
		t.Errorf("payload = %s/%s, want abc/semgrep", resp.ScanID, resp.ToolName)
	}

	result, rpcErr = store.readResource(historyURI)
	if rpcErr != nil {
		t.Fatalf("readResource(history) failed: %v", rpcErr)
	}
	if !strings.Contains(result.Contents[0].Text, `"scan_id":"abc"`) {
		t.Errorf("history payload missing scan id: %s", result.Contents[0].Text)
	}
}

func TestReadResourceErrors(t *testing.T) {
	store := newResultStore(5)

	if _, rpcErr := store.readResource(resultURIPrefix + "ghost"); rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Errorf("readResource(unknown scan) = %v, want code %d", rpcErr, CodeInvalidParams)
	}
	if _, rpcErr := store.readResource("scan://bogus"); rpcErr == nil || rpcErr.Code != CodeInvalidParams {
		t.Errorf("readResource(unknown uri) = %v, want code %d", rpcErr, CodeInvalidParams)
	}
}
