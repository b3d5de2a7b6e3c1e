package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// evalContext carries the per-readdir state an operator needs beyond the
// file record itself: the label cache for O(1) `label` lookups and the
// metastore for the few operators that still need a point query
// (`replicated`, `annotation`).
type evalContext struct {
	ctx      context.Context
	store    metastore.Store
	labelsOf func(fileID string) map[string]struct{}
	now      time.Time
}

// operator evaluates a single filter step against a file record.
type operator interface {
	matches(ctx *evalContext, f *metastore.File) (bool, error)
}

// buildOperator constructs the operator for a step's tag, decoding its
// params. An unrecognized tag returns a noopOperator and logs a warning
// exactly once per tag per process (§4.1.1's "unknown operator -> non-match").
func buildOperator(tag string, params map[string]interface{}) operator {
	switch tag {
	case "glob":
		return newGlobOp(params)
	case "regex":
		return newRegexOp(params)
	case "age":
		return newAgeOp(params)
	case "size":
		return newSizeOp(params)
	case "mime":
		return newMimeOp(params)
	case "node":
		return newNodeOp(params)
	case "label":
		return newLabelOp(params)
	case "access_age":
		return newAccessAgeOp(params)
	case "replicated":
		return newReplicatedOp(params)
	case "annotation":
		return newAnnotationOp(params)
	default:
		warnUnknownOperatorOnce(tag)
		return noopOperator{}
	}
}

var (
	unknownOpWarnOnce sync.Map // map[string]struct{}
)

func warnUnknownOperatorOnce(tag string) {
	if _, loaded := unknownOpWarnOnce.LoadOrStore(tag, struct{}{}); !loaded {
		slog.Warn("unknown filter operator tag, treating as non-match", "op", tag)
	}
}

// noopOperator never matches, per the spec's explicit "unknown operator tags
// are accepted and treated as non-matches" rule (§3).
type noopOperator struct{}

func (noopOperator) matches(*evalContext, *metastore.File) (bool, error) { return false, nil }

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramFloat(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func paramBool(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func paramStringSlice(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		if ss, ok := params[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- glob ---

type globOp struct {
	g glob.Glob
}

func newGlobOp(params map[string]interface{}) operator {
	pattern := paramString(params, "pattern")
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		slog.Warn("invalid glob pattern, operator will never match", "pattern", pattern, "error", err)
		return noopOperator{}
	}
	return globOp{g: g}
}

func (o globOp) matches(_ *evalContext, f *metastore.File) (bool, error) {
	return o.g.Match(f.Source.ExportPath), nil
}

// --- regex ---

type regexOp struct {
	re *regexp.Regexp
}

func newRegexOp(params map[string]interface{}) operator {
	pattern := paramString(params, "pattern")
	if paramBool(params, "case_insensitive") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid regex pattern, operator will never match", "pattern", pattern, "error", err)
		return noopOperator{}
	}
	return regexOp{re: re}
}

func (o regexOp) matches(_ *evalContext, f *metastore.File) (bool, error) {
	return o.re.MatchString(f.Source.ExportPath), nil
}

// --- age ---

type ageOp struct {
	minDays, maxDays float64
	hasMin, hasMax   bool
}

func newAgeOp(params map[string]interface{}) operator {
	o := ageOp{}
	o.minDays, o.hasMin = paramFloat(params, "min_days")
	o.maxDays, o.hasMax = paramFloat(params, "max_days")
	return o
}

func (o ageOp) matches(ctx *evalContext, f *metastore.File) (bool, error) {
	days := ctx.now.Sub(f.MTime).Hours() / 24
	if o.hasMin && days < o.minDays {
		return false, nil
	}
	if o.hasMax && days > o.maxDays {
		return false, nil
	}
	return true, nil
}

// --- size ---

type sizeOp struct {
	minBytes, maxBytes float64
	hasMin, hasMax     bool
}

func newSizeOp(params map[string]interface{}) operator {
	o := sizeOp{}
	o.minBytes, o.hasMin = paramFloat(params, "min_bytes")
	o.maxBytes, o.hasMax = paramFloat(params, "max_bytes")
	return o
}

func (o sizeOp) matches(_ *evalContext, f *metastore.File) (bool, error) {
	size := float64(f.Size)
	if o.hasMin && size < o.minBytes {
		return false, nil
	}
	if o.hasMax && size > o.maxBytes {
		return false, nil
	}
	return true, nil
}

// --- mime ---

type mimeOp struct {
	patterns []string
}

func newMimeOp(params map[string]interface{}) operator {
	return mimeOp{patterns: paramStringSlice(params, "types")}
}

func (o mimeOp) matches(_ *evalContext, f *metastore.File) (bool, error) {
	if f.MimeType == "" {
		return false, nil // missing MIME never matches
	}
	for _, pattern := range o.patterns {
		if mimeMatches(pattern, f.MimeType) {
			return true, nil
		}
	}
	return false, nil
}

// mimeMatches supports a "*" subtype wildcard, e.g. "image/*".
func mimeMatches(pattern, mime string) bool {
	if pattern == mime {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// --- node ---

type nodeOp struct {
	nodeIDs map[string]struct{}
}

func newNodeOp(params map[string]interface{}) operator {
	ids := paramStringSlice(params, "node_ids")
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nodeOp{nodeIDs: set}
}

func (o nodeOp) matches(_ *evalContext, f *metastore.File) (bool, error) {
	_, ok := o.nodeIDs[f.Source.NodeID]
	return ok, nil
}

// --- label ---

type labelOp struct {
	required []string
}

func newLabelOp(params map[string]interface{}) operator {
	return labelOp{required: paramStringSlice(params, "labels")}
}

func (o labelOp) matches(ctx *evalContext, f *metastore.File) (bool, error) {
	if len(o.required) == 0 {
		return true, nil
	}
	have := ctx.labelsOf(f.ID.String())
	for _, want := range o.required {
		if _, ok := have[want]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// --- access_age ---

type accessAgeOp struct {
	minDays, maxDays float64
	hasMin, hasMax   bool
	missingIncludes  bool
}

func newAccessAgeOp(params map[string]interface{}) operator {
	o := accessAgeOp{}
	o.minDays, o.hasMin = paramFloat(params, "min_days")
	o.maxDays, o.hasMax = paramFloat(params, "max_days")
	o.missingIncludes = paramString(params, "missing") != "exclude"
	return o
}

func (o accessAgeOp) matches(ctx *evalContext, f *metastore.File) (bool, error) {
	rec, ok, err := ctx.store.GetAccessRecord(ctx.ctx, f.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return o.missingIncludes, nil
	}
	days := ctx.now.Sub(rec.LastAccess).Hours() / 24
	if o.hasMin && days < o.minDays {
		return false, nil
	}
	if o.hasMax && days > o.maxDays {
		return false, nil
	}
	return true, nil
}

// --- replicated ---

type replicatedOp struct {
	targetName string
	status     metastore.ReplicaStatus
}

func newReplicatedOp(params map[string]interface{}) operator {
	status := metastore.ReplicaStatus(paramString(params, "status"))
	if status == "" {
		status = metastore.ReplicaCurrent
	}
	return replicatedOp{targetName: paramString(params, "target_name"), status: status}
}

func (o replicatedOp) matches(ctx *evalContext, f *metastore.File) (bool, error) {
	return ctx.store.HasReplicaWithStatus(ctx.ctx, f.ID, o.targetName, o.status)
}

// --- annotation ---

type annotationOp struct {
	pluginName string
	keyPath    string
	wantValue  string
	wantRegex  *regexp.Regexp
	checkExist bool
}

func newAnnotationOp(params map[string]interface{}) operator {
	o := annotationOp{
		pluginName: paramString(params, "plugin_name"),
		keyPath:    paramString(params, "key"),
	}
	switch {
	case paramString(params, "equals") != "":
		o.wantValue = paramString(params, "equals")
	case paramString(params, "regex") != "":
		if re, err := regexp.Compile(paramString(params, "regex")); err == nil {
			o.wantRegex = re
		}
	default:
		o.checkExist = true
	}
	return o
}

func (o annotationOp) matches(ctx *evalContext, f *metastore.File) (bool, error) {
	doc, ok, err := ctx.store.GetAnnotation(ctx.ctx, f.ID, o.pluginName)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if o.keyPath == "" {
		return true, nil
	}
	val, present := lookupDottedKey(doc, o.keyPath)
	if o.checkExist {
		return present, nil
	}
	if !present {
		return false, nil
	}
	str := fmt.Sprintf("%v", val)
	if o.wantRegex != nil {
		return o.wantRegex.MatchString(str), nil
	}
	return str == o.wantValue, nil
}

func lookupDottedKey(doc map[string]interface{}, dotted string) (interface{}, bool) {
	parts := strings.Split(dotted, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
