package pipeline

import "github.com/netzbureau/tariffscout/internal/store"

// Context-bag accessors. The bag round-trips through JSON when the job is
// persisted, so numbers may come back as float64 and slices as []any;
// readers accept both forms and writers store JSON-native shapes.

func setCtx(job *store.CrawlJob, key string, value any) {
	if job.Context == nil {
		job.Context = make(map[string]any)
	}
	job.Context[key] = value
}

func ctxString(job *store.CrawlJob, key string) string {
	v, _ := job.Context[key].(string)
	return v
}

func ctxBool(job *store.CrawlJob, key string) bool {
	v, _ := job.Context[key].(bool)
	return v
}

func ctxInt(job *store.CrawlJob, key string) int {
	switch v := job.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func ctxFloat(job *store.CrawlJob, key string) float64 {
	switch v := job.Context[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func ctxStrings(job *store.CrawlJob, key string) []string {
	switch v := job.Context[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func ctxMaps(job *store.CrawlJob, key string) []map[string]any {
	switch v := job.Context[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func toAnyInts(values []int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
