package clusterconfig

import "regexp"

// resultVarPattern matches {{result.path.to.field}} references; the captured group is the path after "result.".
var resultVarPattern = regexp.MustCompile(`\{\{\s*result\.([A-Za-z0-9_.]+)\s*\}\}`)

// roleRefPattern matches cluster.getAgentsByRole("X") call sites in
// script source text.
var roleRefPattern = regexp.MustCompile(`getAgentsByRole\(\s*["']([^"']+)["']\s*\)`)

// guardedZeroPattern recognises the "allow zero only with explicit
// length===0 fallback" escape for role references.
var guardedZeroPattern = regexp.MustCompile(`length\s*==0|length\s*===\s*0`)

// scriptTopicPattern extracts `topic: "X"` literals from logic and
// transform script source, so topics a script produces still count as
// produced in the reachability check.
var scriptTopicPattern = regexp.MustCompile(`topic\s*:\s*"([^"]+)"`)
