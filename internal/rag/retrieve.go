package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/pkg/types"
)

// analysisBundle is the payload of the ai_context_analysis source: the
// in-memory last analysis, recently sealed context windows, and the context
// stats over the query lookback.
type analysisBundle struct {
	Last   *types.AnalysisResult
	Recent []map[string]any
	Stats  map[string]any
}

// retrieved collects the fan-out outcome: per-source payloads and failures.
type retrieved struct {
	mu   sync.Mutex
	data map[Source]any
	errs map[Source]error
}

func newRetrieved() *retrieved {
	return &retrieved{
		data: map[Source]any{},
		errs: map[Source]error{},
	}
}

func (r *retrieved) set(src Source, v any) {
	r.mu.Lock()
	r.data[src] = v
	r.mu.Unlock()
}

func (r *retrieved) fail(src Source, err error) {
	r.mu.Lock()
	r.errs[src] = err
	r.mu.Unlock()
}

// events returns the event list retrieved for src, if any.
func (r *retrieved) events(src Source) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.data[src].([]map[string]any)
	return v
}

// stats returns the map payload retrieved for src, if any.
func (r *retrieved) stats(src Source) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.data[src].(map[string]any)
	return v
}

// bundle returns the ai_context_analysis payload, if any.
func (r *retrieved) bundle() *analysisBundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.data[SourceAnalysis].(*analysisBundle)
	return v
}

// sources lists the sources that produced data, sorted for stable output.
func (r *retrieved) sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.data))
	for src := range r.data {
		out = append(out, string(src))
	}
	sort.Strings(out)
	return out
}

// summary counts retrieved items per source.
func (r *retrieved) summary() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.data))
	for src, v := range r.data {
		switch t := v.(type) {
		case []map[string]any:
			out[string(src)] = len(t)
		case map[string]any:
			out[string(src)] = len(t)
		case *analysisBundle:
			n := len(t.Recent)
			if t.Last != nil {
				n++
			}
			out[string(src)] = n
		default:
			out[string(src)] = 1
		}
	}
	return out
}

// retrieveAll invokes the chosen retrievers concurrently. Failures are
// tolerated: logged, recorded per source, and the rest proceed.
func (o *Orchestrator) retrieveAll(ctx context.Context, in intent, q Query) *retrieved {
	res := newRetrieved()
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range in.sources {
		g.Go(func() error {
			sctx, span := observe.StartSpan(ctx, "rag.retrieve."+string(src))
			v, err := o.retrieve(sctx, src, in, q)
			span.End()
			if err != nil {
				o.log.Warn("retriever failed", "source", src, "err", err)
				res.fail(src, err)
				return nil
			}
			res.set(src, v)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (o *Orchestrator) retrieve(ctx context.Context, src Source, in intent, q Query) (any, error) {
	switch src {
	case SourceSubscriptions:
		return o.activityEvents(ctx, "subscription")
	case SourceFollowers:
		return o.activityEvents(ctx, "follower")
	case SourceChat:
		return o.activityEvents(ctx, "chat_message")
	case SourceStreamInfo:
		return o.activityEvents(ctx, "stream_info")
	case SourceRaids:
		return o.activityEvents(ctx, "raid")
	case SourceCheers:
		return o.activityEvents(ctx, "cheer")
	case SourceActivityStats:
		if o.activity == nil {
			return nil, errors.New("activity api not configured")
		}
		return o.activity.Stats(ctx)
	case SourceContextSearch:
		if o.contexts == nil {
			return nil, errors.New("context store not configured")
		}
		return o.contexts.Search(ctx, in.searchQuery, o.cfg.SearchLimit, o.session())
	case SourceAnalysis:
		return o.analysisBundle(ctx, q)
	}
	return nil, fmt.Errorf("unknown source %q", src)
}

func (o *Orchestrator) activityEvents(ctx context.Context, eventType string) ([]map[string]any, error) {
	if o.activity == nil {
		return nil, errors.New("activity api not configured")
	}
	return o.activity.Events(ctx, eventType)
}

// analysisBundle assembles the ai_context_analysis payload. The in-memory
// result alone is enough when the context store is unreachable.
func (o *Orchestrator) analysisBundle(ctx context.Context, q Query) (any, error) {
	b := &analysisBundle{}
	if o.analysis != nil {
		b.Last = o.analysis.LastResult()
	}
	if o.contexts != nil {
		recent, err := o.contexts.Recent(ctx, o.cfg.RecentContexts, o.session())
		if err != nil {
			o.log.Debug("recent contexts unavailable", "err", err)
		} else {
			b.Recent = recent
		}

		stats, err := o.contexts.Stats(ctx, int(q.TimeWindowHours*60))
		if err != nil {
			o.log.Debug("context stats unavailable", "err", err)
		} else {
			b.Stats = stats
		}
	}
	if b.Last == nil && len(b.Recent) == 0 && len(b.Stats) == 0 {
		return nil, errors.New("no analysis available yet")
	}
	return b, nil
}

func (o *Orchestrator) session() string {
	if o.analysis == nil {
		return ""
	}
	return o.analysis.Session()
}
