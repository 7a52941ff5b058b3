package notifier

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"buildorch/internal/model"
	"buildorch/internal/project"
)

// Decision is the outcome of a rule that matched a build.
type Decision struct {
	Rule         *project.NotificationRule
	Build        *model.Build
	Recipients   []string
	FailingSteps []string
}

// Evaluate applies one notification rule to a completed build.
//
// The build's category must be a key of the rule's categories_steps, or the
// "" wildcard must be listed. The watched steps are the union of both keys;
// no watched steps means the rule looks at overall status only.
//
// A watched step must have failed without being forgiving or excluded for
// the builder or its category. An overall-status watch accepts a failed
// build instead, unless every failed step was excluded. only_on_failure
// additionally requires the build itself to have failed.
func Evaluate(rule *project.NotificationRule, b *model.Build) (Decision, bool) {
	catSteps, catOK := rule.CategoriesSteps[b.Category]
	wildSteps, wildOK := rule.CategoriesSteps[""]
	if !catOK && !wildOK {
		return Decision{}, false
	}
	watched := mapset.NewSet(catSteps...)
	watched.Append(wildSteps...)

	failing, excluded := failingSteps(rule, b, watched)
	interesting := len(failing) > 0
	if watched.Cardinality() == 0 && !interesting {
		interesting = b.Status.IsFailure() && excluded == 0
	}
	if !interesting {
		return Decision{}, false
	}
	if rule.OnlyOnFailure && !b.Status.IsFailure() {
		return Decision{}, false
	}
	return Decision{
		Rule:         rule,
		Build:        b,
		Recipients:   Recipients(rule, b),
		FailingSteps: failing,
	}, true
}

// failingSteps returns failed steps that count against the build, in
// execution order, and how many failed steps were dropped as excluded.
func failingSteps(rule *project.NotificationRule, b *model.Build, watched mapset.Set[string]) ([]string, int) {
	var (
		out      []string
		excluded int
	)
	for _, s := range b.Steps {
		if !s.Status.IsFailure() || s.Forgiving {
			continue
		}
		if watched.Cardinality() > 0 && !watched.Contains(s.Name) {
			continue
		}
		if rule.ForgivingSteps != nil && rule.ForgivingSteps.Contains(s.Name) {
			continue
		}
		if isExcluded(rule, b, s.Name) {
			excluded++
			continue
		}
		out = append(out, s.Name)
	}
	return out, excluded
}

func isExcluded(rule *project.NotificationRule, b *model.Build, step string) bool {
	for _, key := range []string{b.Builder, b.Category} {
		if set, ok := rule.Exclusions[key]; ok && set.Contains(step) {
			return true
		}
	}
	return false
}

// Recipients is the rule's recipient list plus, when the rule asks for it,
// the authors of the build's changes. Sorted, without duplicates.
func Recipients(rule *project.NotificationRule, b *model.Build) []string {
	out := slices.Clone(rule.Recipients)
	if rule.SendToInterestedUsers {
		out = append(out, b.Authors()...)
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

// Render turns a decision into the message for the rule's channel.
func Render(d Decision) Message {
	b := d.Build
	var sb strings.Builder
	fmt.Fprintf(&sb, "Builder: %s\n", b.Builder)
	fmt.Fprintf(&sb, "Build: #%d (id %d)\n", b.Number, b.ID)
	fmt.Fprintf(&sb, "Status: %s\n", b.Status)
	if b.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", b.Reason)
	}
	fmt.Fprintf(&sb, "Revision: %s@%s\n", b.Source.Branch, b.Source.Revision)
	if b.Worker != "" {
		fmt.Fprintf(&sb, "Worker: %s\n", b.Worker)
	}
	if len(d.FailingSteps) > 0 {
		fmt.Fprintf(&sb, "Failing steps: %s\n", strings.Join(d.FailingSteps, ", "))
	}
	if authors := b.Authors(); len(authors) > 0 {
		fmt.Fprintf(&sb, "Blamelist: %s\n", strings.Join(authors, ", "))
	}
	return Message{
		Channel:    d.Rule.Channel,
		Rule:       d.Rule.Name,
		BuildID:    b.ID,
		Recipients: d.Recipients,
		Subject:    fmt.Sprintf("buildorch: %s #%d %s", b.Builder, b.Number, b.Status),
		Body:       sb.String(),
		DedupKey:   ruleBuildKey(d.Rule, b.ID),
	}
}

// ruleBuildKey identifies a (rule, build) pair across restarts.
func ruleBuildKey(rule *project.NotificationRule, buildID int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", rule.Project, rule.Name, buildID)
	return fmt.Sprintf("rule:%x", h.Sum64())
}
