package statecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Stage labels for workflow hand-off keys.
const (
	StageRawEvents        = "raw-events"
	StageSessionSummary   = "session-summary"
	StageChunkPatterns    = "chunk-patterns"
	StageCombinedPatterns = "combined-patterns"
	StageAssignments      = "assignments"
)

// SessionKey builds the deterministic key for a per-session stage. The same
// (stage, team, session) always yields the same key, so a retried workflow
// step finds its predecessor's output.
func SessionKey(stage string, teamID int64, sessionID string) string {
	return fmt.Sprintf("%s:%d:%s", stage, teamID, sessionID)
}

// GroupKey builds the deterministic key for a group stage from the full
// session-id set. Order of the input does not matter: ids are sorted before
// hashing so re-entry with the same set hits the same key.
func GroupKey(stage string, teamID int64, sessionIDs []string) string {
	sorted := make([]string, len(sessionIDs))
	copy(sorted, sessionIDs)
	sort.Strings(sorted)

	digest := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("%s:%d:%s", stage, teamID, hex.EncodeToString(digest[:16]))
}
