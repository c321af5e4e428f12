// Package router selects the agent profile that handles a request.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Profile is a routable agent profile.
type Profile struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Model        string   `json:"model,omitempty"` // overrides the global chat model when set
	SystemPrompt string   `json:"-"`
	Default      bool     `json:"default,omitempty"`
}

// Decision records why a profile was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	QueryLength     int            `json:"query_length"`
	KeywordsMatched []string       `json:"keywords_matched,omitempty"`
	Scores          map[string]int `json:"scores,omitempty"`

	ProfileSelected string `json:"profile_selected"`
	Reasoning       string `json:"reasoning"`
}

// Config holds router configuration.
type Config struct {
	Profiles    []Profile
	MaxAuditLog int // How many decisions to keep in memory
}

// Router matches messages against profile keywords. Scoring is purely
// lexical; the router never calls the model.
type Router struct {
	log      *slog.Logger
	cfg      Config
	fallback Profile

	mu    sync.RWMutex
	audit []Decision
	stats Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	ProfileCounts map[string]int64 `json:"profile_counts"`
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, cfg Config) *Router {
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	return &Router{
		log:      logger,
		cfg:      cfg,
		fallback: pickDefault(cfg.Profiles),
		audit:    make([]Decision, 0, cfg.MaxAuditLog),
		stats:    Stats{ProfileCounts: make(map[string]int64)},
	}
}

// pickDefault resolves the fallback profile: the first one marked
// Default, else the first profile, else a builtin named "default".
func pickDefault(profiles []Profile) Profile {
	for _, p := range profiles {
		if p.Default {
			return p
		}
	}
	if len(profiles) > 0 {
		return profiles[0]
	}
	return Profile{Name: "default", Default: true}
}

// Route selects a profile for the given message.
func (r *Router) Route(ctx context.Context, message string) (Profile, *Decision) {
	d := &Decision{
		RequestID:   newRequestID(),
		Timestamp:   time.Now(),
		QueryLength: len(message),
	}

	profile := r.selectProfile(message, d)
	d.ProfileSelected = profile.Name
	r.record(*d)

	r.log.Info("profile routed",
		"request_id", d.RequestID,
		"profile", profile.Name,
		"reasoning", d.Reasoning,
	)
	return profile, d
}

// selectProfile scores each profile at 10 points per keyword hit.
// Ties keep config order.
func (r *Router) selectProfile(message string, d *Decision) Profile {
	msg := strings.ToLower(message)

	var (
		best      Profile
		bestScore int
		scores    = map[string]int{}
		matched   = map[string][]string{}
	)
	for _, p := range r.cfg.Profiles {
		var hits []string
		for _, kw := range p.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(msg, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 {
			continue
		}
		scores[p.Name] = 10 * len(hits)
		matched[p.Name] = hits
		if scores[p.Name] > bestScore {
			best, bestScore = p, scores[p.Name]
		}
	}
	if len(scores) > 0 {
		d.Scores = scores
	}

	if bestScore == 0 {
		d.Reasoning = "No keyword matches, using default profile " + r.fallback.Name + "."
		return r.fallback
	}

	d.KeywordsMatched = matched[best.Name]
	d.Reasoning = fmt.Sprintf("Selected %s (score=%d) on keywords: %s.",
		best.Name, bestScore, strings.Join(matched[best.Name], ", "))
	return best
}

// record appends a decision to the audit log, dropping the oldest
// entries once the log is over capacity.
func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.audit = append(r.audit, d)
	if over := len(r.audit) - r.cfg.MaxAuditLog; over > 0 {
		r.audit = r.audit[over:]
	}

	r.stats.TotalRequests++
	r.stats.ProfileCounts[d.ProfileSelected]++
}

// AuditLog returns the most recent routing decisions, oldest first.
// A limit of zero (or one past the log size) returns everything.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, n)
	copy(out, r.audit[len(r.audit)-n:])
	return out
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{
		TotalRequests: r.stats.TotalRequests,
		ProfileCounts: make(map[string]int64, len(r.stats.ProfileCounts)),
	}
	for name, n := range r.stats.ProfileCounts {
		out.ProfileCounts[name] = n
	}
	return out
}

// Profiles returns the configured profiles.
func (r *Router) Profiles() []Profile {
	return r.cfg.Profiles
}

func newRequestID() string {
	return time.Now().Format("20060102-150405.000")
}
