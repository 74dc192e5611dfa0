// Package settings resolves review-watcher configuration, with global
// defaults under the review.* keys and per-repository overrides under
// repos.<name>.*.
package settings

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetentionPolicy controls what happens to a pull request's rounds when the
// pull request closes.
type RetentionPolicy string

const (
	RetentionKeep          RetentionPolicy = "keep"
	RetentionDeleteOnClose RetentionPolicy = "delete-on-close"
)

// ReviewSettings is the resolved configuration for one repository.
type ReviewSettings struct {
	Enabled        bool
	ReviewerLogins []string
	CheckContext   string
	Backoff        []time.Duration
	Retention      RetentionPolicy
}

// MaxAttempts is the attempt bound implied by the backoff list.
func (s ReviewSettings) MaxAttempts() int {
	return len(s.Backoff)
}

// Resolver reads settings from viper. Per-repo keys shadow the global
// review.* keys when set.
type Resolver struct {
	v *viper.Viper
}

// NewResolver returns a Resolver backed by the given viper instance,
// or the global one when v is nil.
func NewResolver(v *viper.Viper) *Resolver {
	if v == nil {
		v = viper.GetViper()
	}
	return &Resolver{v: v}
}

// SetDefaults registers the global review defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("review.enabled", true)
	v.SetDefault("review.reviewer_logins", "coderabbitai[bot] coderabbitai")
	v.SetDefault("review.check_context", "coderabbitai")
	v.SetDefault("review.backoff_seconds", []int{30, 120, 300})
	v.SetDefault("review.retention", string(RetentionKeep))
}

// ForRepo resolves settings for the named repository.
func (r *Resolver) ForRepo(repoName string) ReviewSettings {
	return ReviewSettings{
		Enabled:        r.getBool(repoName, "enabled"),
		ReviewerLogins: strings.Fields(r.getString(repoName, "reviewer_logins")),
		CheckContext:   r.getString(repoName, "check_context"),
		Backoff:        toDurations(r.getIntSlice(repoName, "backoff_seconds")),
		Retention:      retention(r.getString(repoName, "retention")),
	}
}

func (r *Resolver) repoKey(repoName, key string) string {
	return "repos." + repoName + "." + key
}

func (r *Resolver) getBool(repoName, key string) bool {
	if rk := r.repoKey(repoName, key); r.v.IsSet(rk) {
		return r.v.GetBool(rk)
	}
	return r.v.GetBool("review." + key)
}

func (r *Resolver) getString(repoName, key string) string {
	if rk := r.repoKey(repoName, key); r.v.IsSet(rk) {
		return r.v.GetString(rk)
	}
	return r.v.GetString("review." + key)
}

func (r *Resolver) getIntSlice(repoName, key string) []int {
	if rk := r.repoKey(repoName, key); r.v.IsSet(rk) {
		return r.v.GetIntSlice(rk)
	}
	return r.v.GetIntSlice("review." + key)
}

func toDurations(seconds []int) []time.Duration {
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

func retention(s string) RetentionPolicy {
	if strings.EqualFold(s, string(RetentionDeleteOnClose)) {
		return RetentionDeleteOnClose
	}
	return RetentionKeep
}
