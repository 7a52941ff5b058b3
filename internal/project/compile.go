package project

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"buildorch/internal/config"
	"buildorch/internal/model"
)

// Build validates cfg and returns the immutable registry. Any problem
// yields a *model.ConfigError listing all of them; nothing is scheduled
// from a configuration that fails here.
func Build(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, &model.ConfigError{Problems: []string{"config is nil"}}
	}
	ce := &model.ConfigError{}

	var oc config.OrchestratorConfig
	if cfg.Orchestrator != nil {
		oc = *cfg.Orchestrator
	}
	stepDefault, err := config.ParseDurationOrDefault("orchestrator.default_step_timeout", oc.DefaultStepTimeout, DefaultStepTimeout)
	if err != nil {
		ce.Addf("%v", err)
	}
	buildDefault, err := config.ParseDurationOrDefault("orchestrator.default_build_timeout", oc.DefaultBuildTimeout, DefaultBuildTimeout)
	if err != nil {
		ce.Addf("%v", err)
	}

	r := &Registry{
		projects:   map[string]*Project{},
		builders:   map[string]*Builder{},
		schedulers: map[string]*SchedulerSpec{},
		workers:    map[string]*Worker{},
	}
	ports := map[int]string{}

	if len(cfg.Projects) == 0 {
		ce.Addf("no projects configured")
	}

	for i, pc := range cfg.Projects {
		name := strings.TrimSpace(pc.Name)
		where := fmt.Sprintf("projects[%d]", i)
		if name == "" {
			ce.Addf("%s: name required", where)
			continue
		}
		where = "project " + name
		if _, dup := r.projects[name]; dup {
			ce.Addf("%s: duplicate project", where)
			continue
		}
		p := &Project{
			Name:        name,
			Ports:       Ports{Web: pc.Ports.Web, Worker: pc.Ports.Worker},
			Categories:  slices.Clone(pc.Categories),
			Recipients:  slices.Clone(pc.Recipients),
			PubSubTopic: strings.TrimSpace(pc.PubSubTopic),
			Bucket:      strings.TrimSpace(pc.Bucket),
		}
		for _, port := range []int{pc.Ports.Web, pc.Ports.Worker} {
			if port == 0 {
				continue
			}
			if port < 0 || port > 65535 {
				ce.Addf("%s: port %d out of range", where, port)
				continue
			}
			if other, taken := ports[port]; taken {
				ce.Addf("%s: port %d already used by project %s", where, port, other)
				continue
			}
			ports[port] = name
		}

		compileWorkers(r, p, pc, ce)
		compileBuilders(r, p, pc, stepDefault, buildDefault, ce)
		compileSchedulers(r, p, pc, ce)
		compileRules(p, pc, ce)

		r.projects[name] = p
		r.names = append(r.names, name)
	}

	checkBindings(r, ce)

	if err := ce.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func compileWorkers(r *Registry, p *Project, pc config.ProjectConfig, ce *model.ConfigError) {
	for _, wc := range pc.Workers {
		host := strings.TrimSpace(wc.Hostname)
		if host == "" {
			ce.Addf("project %s: worker hostname required", p.Name)
			continue
		}
		if _, dup := r.workers[host]; dup {
			ce.Addf("project %s: duplicate worker %q", p.Name, host)
			continue
		}
		w := &Worker{Hostname: host, Project: p.Name, Capabilities: mapset.NewSet(wc.Capabilities...)}
		r.workers[host] = w
		p.Workers = append(p.Workers, w)
	}
}

func compileBuilders(r *Registry, p *Project, pc config.ProjectConfig, stepDefault, buildDefault time.Duration, ce *model.ConfigError) {
	cats := mapset.NewSet(p.Categories...)
	for _, bc := range pc.Builders {
		name := strings.TrimSpace(bc.Name)
		if name == "" {
			ce.Addf("project %s: builder name required", p.Name)
			continue
		}
		where := fmt.Sprintf("builder %q", name)
		if _, dup := r.builders[name]; dup {
			ce.Addf("%s: duplicate builder", where)
			continue
		}
		if cats.Cardinality() > 0 && bc.Category != "" && !cats.Contains(bc.Category) {
			ce.Addf("%s: category %q not in project %s categories", where, bc.Category, p.Name)
		}

		b := &Builder{
			Name:                 name,
			Project:              p.Name,
			Category:             bc.Category,
			AllowedWorkers:       mapset.NewSet(bc.AllowedWorkers...),
			RequiredCapabilities: mapset.NewSet(bc.RequiredCapabilities...),
			SchedulerBindings:    mapset.NewSet(bc.Schedulers...),
			Recipe:               bc.Recipe,
			ForgivingSteps:       mapset.NewSet(bc.ForgivingSteps...),
			Properties:           maps.Clone(bc.Properties),
		}
		switch RebootPolicy(strings.TrimSpace(bc.AutoReboot)) {
		case "", RebootNone:
			b.AutoReboot = RebootNone
		case RebootAfterBuild:
			b.AutoReboot = RebootAfterBuild
		default:
			ce.Addf("%s: unknown auto_reboot %q", where, bc.AutoReboot)
		}

		for _, host := range bc.AllowedWorkers {
			if _, ok := r.workers[host]; !ok {
				ce.Addf("%s: allowed worker %q not declared", where, host)
			}
		}

		var err error
		if b.BuildTimeout, err = config.ParseDurationOrDefault(where+".build_timeout", bc.BuildTimeout, buildDefault); err != nil {
			ce.Addf("%v", err)
		}

		if len(bc.Steps) == 0 {
			ce.Addf("%s: at least one step required", where)
		}
		seen := map[string]bool{}
		for _, sc := range bc.Steps {
			step := StepSpec{
				Name:          strings.TrimSpace(sc.Name),
				Command:       slices.Clone(sc.Command),
				HaltOnFailure: sc.HaltOnFailure,
				Retries:       sc.Retries,
			}
			if step.Name == "" {
				ce.Addf("%s: step name required", where)
				continue
			}
			if seen[step.Name] {
				ce.Addf("%s: duplicate step %q", where, step.Name)
				continue
			}
			seen[step.Name] = true
			if step.Retries < 0 {
				ce.Addf("%s: step %q retries must be >= 0", where, step.Name)
			}
			if step.Timeout, err = config.ParseDurationOrDefault(where+".steps."+step.Name+".timeout", sc.Timeout, stepDefault); err != nil {
				ce.Addf("%v", err)
			}
			b.Steps = append(b.Steps, step)
		}
		for _, fs := range bc.ForgivingSteps {
			if !seen[fs] {
				ce.Addf("%s: forgiving step %q is not a step of this builder", where, fs)
			}
		}

		r.builders[name] = b
		p.Builders = append(p.Builders, b)
	}
}

func compileSchedulers(r *Registry, p *Project, pc config.ProjectConfig, ce *model.ConfigError) {
	for _, sc := range pc.Schedulers {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			ce.Addf("project %s: scheduler name required", p.Name)
			continue
		}
		where := fmt.Sprintf("scheduler %q", name)
		if _, dup := r.schedulers[name]; dup {
			ce.Addf("%s: duplicate scheduler", where)
			continue
		}
		s := &SchedulerSpec{
			Name:       name,
			Project:    p.Name,
			Kind:       SchedulerKind(strings.TrimSpace(sc.Kind)),
			Branch:     strings.TrimSpace(sc.Branch),
			Builders:   slices.Clone(sc.Builders),
			Upstream:   slices.Clone(sc.Upstream),
			Properties: maps.Clone(sc.Properties),
		}
		if len(s.Builders) == 0 {
			ce.Addf("%s: at least one builder required", where)
		}

		switch s.Kind {
		case KindSingleBranch, KindAnyBranch:
			d, err := config.ParseDurationField(where+".tree_stable_timer", sc.TreeStableTimer)
			switch {
			case err != nil:
				ce.Addf("%v", err)
			case d <= 0:
				ce.Addf("%s: tree_stable_timer must be > 0", where)
			}
			s.TreeStableTimer = d
			if s.Kind == KindSingleBranch && s.Branch == "" {
				ce.Addf("%s: branch required for single_branch", where)
			}
		case KindPeriodic:
			sch, err := ParseSchedule(sc.Schedule)
			if err != nil {
				ce.Addf("%s: %v", where, err)
			}
			s.Schedule = sch
		case KindTriggerable:
			if len(s.Upstream) == 0 {
				ce.Addf("%s: triggerable needs at least one upstream builder", where)
			}
		default:
			ce.Addf("%s: unknown kind %q", where, sc.Kind)
		}

		r.schedulers[name] = s
		p.Schedulers = append(p.Schedulers, s)
	}
}

func compileRules(p *Project, pc config.ProjectConfig, ce *model.ConfigError) {
	names := map[string]bool{}
	for i, nc := range pc.Notifications {
		name := strings.TrimSpace(nc.Name)
		if name == "" {
			name = fmt.Sprintf("%s-rule-%d", p.Name, i)
		}
		where := fmt.Sprintf("notification %q", name)
		if names[name] {
			ce.Addf("%s: duplicate rule in project %s", where, p.Name)
			continue
		}
		names[name] = true

		rule := &NotificationRule{
			Name:                  name,
			Project:               p.Name,
			CategoriesSteps:       map[string][]string{},
			Exclusions:            map[string]mapset.Set[string]{},
			ForgivingSteps:        mapset.NewSet(nc.ForgivingSteps...),
			Recipients:            slices.Clone(nc.Recipients),
			OnlyOnFailure:         nc.OnlyOnFailure,
			SendToInterestedUsers: nc.SendToInterestedUsers,
		}
		if len(nc.CategoriesSteps) == 0 {
			ce.Addf("%s: categories_steps must list at least one category", where)
		}
		for cat, steps := range nc.CategoriesSteps {
			rule.CategoriesSteps[cat] = slices.Clone(steps)
		}
		for key, steps := range nc.Exclusions {
			rule.Exclusions[key] = mapset.NewSet(steps...)
		}
		if len(rule.Recipients) == 0 {
			rule.Recipients = slices.Clone(p.Recipients)
		}

		switch Channel(strings.TrimSpace(nc.Channel)) {
		case "", ChannelEmail:
			rule.Channel = ChannelEmail
		case ChannelTelegram:
			rule.Channel = ChannelTelegram
		case ChannelLog:
			rule.Channel = ChannelLog
		default:
			ce.Addf("%s: unknown channel %q", where, nc.Channel)
		}
		if rule.Channel == ChannelEmail && len(rule.Recipients) == 0 && !rule.SendToInterestedUsers {
			ce.Addf("%s: email rule has no recipients", where)
		}
		p.Notifications = append(p.Notifications, rule)
	}
}

// checkBindings runs after every project is compiled so schedulers may
// reference builders (and triggerables upstream builders) of any project.
func checkBindings(r *Registry, ce *model.ConfigError) {
	for _, p := range r.Projects() {
		for _, s := range p.Schedulers {
			for _, bn := range s.Builders {
				b, ok := r.builders[bn]
				if !ok {
					ce.Addf("scheduler %q: unknown builder %q", s.Name, bn)
					continue
				}
				if !b.AcceptsScheduler(s.Name) {
					ce.Addf("scheduler %q: builder %q does not accept it (scheduler_bindings)", s.Name, bn)
				}
			}
			for _, up := range s.Upstream {
				if _, ok := r.builders[up]; !ok {
					ce.Addf("scheduler %q: unknown upstream builder %q", s.Name, up)
				}
			}
		}
		for _, b := range p.Builders {
			for _, sn := range b.SchedulerBindings.ToSlice() {
				if _, ok := r.schedulers[sn]; !ok {
					ce.Addf("builder %q: bound scheduler %q not declared", b.Name, sn)
				}
			}
		}
		for _, rule := range p.Notifications {
			for key := range rule.Exclusions {
				if _, isBuilder := r.builders[key]; isBuilder {
					continue
				}
				if !slices.Contains(p.Categories, key) && !categoryUsed(p, key) {
					ce.Addf("notification %q: exclusion key %q is neither a builder nor a category", rule.Name, key)
				}
			}
		}
	}
}

func categoryUsed(p *Project, cat string) bool {
	for _, b := range p.Builders {
		if b.Category == cat {
			return true
		}
	}
	return false
}
