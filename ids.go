package eternity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// WorkflowID identifies one workflow instance for its entire lifetime.
type WorkflowID string

func (id WorkflowID) String() string { return string(id) }

// ActivityID is the deterministic replay key for one call site:
// workflowID × method × (argumentHash | call-site sequence).
type ActivityID string

func (id ActivityID) String() string { return string(id) }

// NewWorkflowID generates a random workflow id, used by Create when
// the caller supplies none.
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.NewString())
}

// activityKey computes a deterministic composite key: stable across
// replays so the lookup that short-circuits re-execution is a single
// point read.
//
// The key is workflowID + "-" + the first 16 hex characters of
// SHA1(workflowID + "|" + method + "|" + suffix). When uniqueByArgs is
// true the suffix is the encoded argument tuple. When false,
// callSeq (a call-site occurrence counter maintained by the workflow
// runtime during replay, as "seq:N") stands in for the arguments so repeated
// calls to the same method with varying, non-identifying arguments
// (e.g. WaitForExternalEvents) still resolve to stable, distinct keys.
func activityKey(workflowID WorkflowID, method string, encodedArgs []byte, uniqueByArgs bool, callSeq int) ActivityID {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|", workflowID, method)
	if uniqueByArgs {
		h.Write(encodedArgs)
	} else {
		fmt.Fprintf(h, "seq:%d", callSeq)
	}
	sum := h.Sum(nil)
	return ActivityID(fmt.Sprintf("%s-%s", workflowID, hex.EncodeToString(sum)[:16]))
}

// childWorkflowID computes the deterministic id for a child workflow,
// stable across parent replays: parentID × childTypeName × call-site
// sequence (a parent may spawn more than one child of the same type).
func childWorkflowID(parentID WorkflowID, childType string, callSeq int) WorkflowID {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|child:%d", parentID, childType, callSeq)
	return WorkflowID(fmt.Sprintf("%s-%s", parentID, hex.EncodeToString(h.Sum(nil))[:16]))
}
