package schedule

import (
	"sort"
	"strings"
)

// MergeOptions overlays override on top of base. Keys holding objects on both
// sides are merged one level deeper, with override winning per leaf key.
// Neither input is modified.
func MergeOptions(base, override Options) Options {
	out := make(Options, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		baseObj, baseOK := asObject(out[k])
		overObj, overOK := asObject(v)
		if !baseOK || !overOK {
			out[k] = v
			continue
		}
		nested := make(map[string]any, len(baseObj)+len(overObj))
		for nk, nv := range baseObj {
			nested[nk] = nv
		}
		for nk, nv := range overObj {
			nested[nk] = nv
		}
		out[k] = nested
	}
	return out
}

// BuildPayload returns the request body for a firing: merged as-is when it
// already names a url, otherwise a copy carrying the schedule's URL.
func BuildPayload(s Schedule, merged Options) Options {
	if u, ok := lookup(merged, "url"); ok {
		if str, isStr := u.(string); isStr && str != "" {
			return merged
		}
	}
	out := merged.Clone()
	if out == nil {
		out = Options{}
	}
	out["url"] = s.URL
	return out
}

// JobTypeRule inspects a schedule and its merged options and either decides
// the job type or defers to the next rule.
type JobTypeRule func(s Schedule, merged Options) (JobType, bool)

// JobTypeRules is the resolution order used by ResolveJobType.
var JobTypeRules = []JobTypeRule{
	ExplicitModeRule,
	CrawlFlagRule,
	ScheduleHintRule,
}

// ResolveJobType applies JobTypeRules in order and defaults to scrape.
func ResolveJobType(s Schedule, merged Options) JobType {
	for _, rule := range JobTypeRules {
		if jt, ok := rule(s, merged); ok {
			return jt
		}
	}
	return JobTypeScrape
}

// ExplicitModeRule honors a mode, type or jobType key naming scrape or crawl.
func ExplicitModeRule(_ Schedule, merged Options) (JobType, bool) {
	for _, key := range []string{"mode", "type", "jobType"} {
		v, ok := lookup(merged, key)
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		if jt := JobType(strings.ToLower(strings.TrimSpace(str))); jt.Valid() {
			return jt, true
		}
	}
	return "", false
}

// CrawlFlagRule selects crawl when crawl is true or crawlOptions is present.
func CrawlFlagRule(_ Schedule, merged Options) (JobType, bool) {
	if v, ok := lookup(merged, "crawl"); ok {
		if b, isBool := v.(bool); isBool && b {
			return JobTypeCrawl, true
		}
	}
	if v, ok := lookup(merged, "crawlOptions"); ok && v != nil {
		return JobTypeCrawl, true
	}
	return "", false
}

// ScheduleHintRule falls back to the job type stored on the schedule.
func ScheduleHintRule(s Schedule, _ Options) (JobType, bool) {
	if s.JobType.Valid() {
		return s.JobType, true
	}
	return "", false
}

// lookup matches key exactly first, then case-insensitively; config loaders
// such as viper lowercase map keys. Among case variants the lowest key in
// byte order wins.
func lookup(opts Options, key string) (any, bool) {
	if v, ok := opts[key]; ok {
		return v, true
	}
	var matches []string
	for k := range opts {
		if strings.EqualFold(k, key) {
			matches = append(matches, k)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	sort.Strings(matches)
	return opts[matches[0]], true
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Options:
		return m, true
	default:
		return nil, false
	}
}
