// Package project compiles the raw configuration into an immutable
// registry of projects, builders, schedulers, workers and notification
// rules. Every component looks its static configuration up here.
package project

import (
	"slices"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

type SchedulerKind string

const (
	KindSingleBranch SchedulerKind = "single_branch"
	KindAnyBranch    SchedulerKind = "any_branch"
	KindPeriodic     SchedulerKind = "periodic"
	KindTriggerable  SchedulerKind = "triggerable"
)

type RebootPolicy string

const (
	RebootNone       RebootPolicy = "none"
	RebootAfterBuild RebootPolicy = "after_build"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelLog      Channel = "log"
)

// Defaults resolved from the orchestrator section.
const (
	DefaultStepTimeout  = 20 * time.Minute
	DefaultBuildTimeout = 3 * time.Hour
)

type Ports struct {
	Web    int
	Worker int
}

type Project struct {
	Name          string
	Ports         Ports
	Categories    []string
	Recipients    []string
	PubSubTopic   string
	Bucket        string
	Workers       []*Worker
	Builders      []*Builder
	Schedulers    []*SchedulerSpec
	Notifications []*NotificationRule
}

type Worker struct {
	Hostname     string
	Project      string
	Capabilities mapset.Set[string]
}

type StepSpec struct {
	Name          string
	Command       []string
	HaltOnFailure bool
	Timeout       time.Duration
	Retries       int
}

type Builder struct {
	Name                 string
	Project              string
	Category             string
	AllowedWorkers       mapset.Set[string] // empty means any worker
	RequiredCapabilities mapset.Set[string]
	SchedulerBindings    mapset.Set[string] // empty means any scheduler
	AutoReboot           RebootPolicy
	Recipe               string
	Steps                []StepSpec
	ForgivingSteps       mapset.Set[string]
	Properties           map[string]string
	BuildTimeout         time.Duration
}

// CanRunOn reports whether a worker with the given hostname and
// capabilities satisfies the builder's constraints.
func (b *Builder) CanRunOn(hostname string, caps mapset.Set[string]) bool {
	if !emptySet(b.AllowedWorkers) && !b.AllowedWorkers.Contains(hostname) {
		return false
	}
	if emptySet(b.RequiredCapabilities) {
		return true
	}
	if caps == nil {
		return false
	}
	return b.RequiredCapabilities.IsSubset(caps)
}

// AcceptsScheduler reports whether the named scheduler may feed b.
func (b *Builder) AcceptsScheduler(name string) bool {
	return emptySet(b.SchedulerBindings) || b.SchedulerBindings.Contains(name)
}

func (b *Builder) IsForgiving(step string) bool {
	return !emptySet(b.ForgivingSteps) && b.ForgivingSteps.Contains(step)
}

func emptySet(s mapset.Set[string]) bool { return s == nil || s.Cardinality() == 0 }

type SchedulerSpec struct {
	Name            string
	Project         string
	Kind            SchedulerKind
	Branch          string // empty for any_branch means every branch
	TreeStableTimer time.Duration
	Schedule        Schedule
	Builders        []string
	Upstream        []string
	Properties      map[string]string
}

type NotificationRule struct {
	Name                  string
	Project               string
	CategoriesSteps       map[string][]string
	Exclusions            map[string]mapset.Set[string]
	ForgivingSteps        mapset.Set[string]
	Recipients            []string
	OnlyOnFailure         bool
	SendToInterestedUsers bool
	Channel               Channel
}

// Registry is the validated, read-only configuration table.
// It is never mutated after Build returns.
type Registry struct {
	projects   map[string]*Project
	builders   map[string]*Builder
	schedulers map[string]*SchedulerSpec
	workers    map[string]*Worker
	names      []string
}

func (r *Registry) Project(name string) (*Project, bool) {
	p, ok := r.projects[name]
	return p, ok
}

func (r *Registry) Builder(name string) (*Builder, bool) {
	b, ok := r.builders[name]
	return b, ok
}

func (r *Registry) Scheduler(name string) (*SchedulerSpec, bool) {
	s, ok := r.schedulers[name]
	return s, ok
}

func (r *Registry) Worker(hostname string) (*Worker, bool) {
	w, ok := r.workers[hostname]
	return w, ok
}

// Projects returns projects in declaration order.
func (r *Registry) Projects() []*Project {
	out := make([]*Project, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.projects[n])
	}
	return out
}

// Builders returns every builder sorted by name.
func (r *Registry) Builders() []*Builder {
	out := make([]*Builder, 0, len(r.builders))
	for _, b := range r.builders {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schedulers returns every scheduler in project then declaration order.
func (r *Registry) Schedulers() []*SchedulerSpec {
	var out []*SchedulerSpec
	for _, p := range r.Projects() {
		out = append(out, p.Schedulers...)
	}
	return out
}

func (r *Registry) Workers() []*Worker {
	var out []*Worker
	for _, p := range r.Projects() {
		out = append(out, p.Workers...)
	}
	return out
}

// Rules returns the notification rules of the builder's project.
func (r *Registry) Rules(builder string) []*NotificationRule {
	b, ok := r.builders[builder]
	if !ok {
		return nil
	}
	return r.projects[b.Project].Notifications
}

// TriggerablesFor returns triggerable schedulers listing builder as upstream.
func (r *Registry) TriggerablesFor(builder string) []*SchedulerSpec {
	var out []*SchedulerSpec
	for _, s := range r.Schedulers() {
		if s.Kind == KindTriggerable && slices.Contains(s.Upstream, builder) {
			out = append(out, s)
		}
	}
	return out
}
