// Package notifier decides who hears about a completed build and delivers
// the message.
//
// # Rules
//
// Each project declares notification rules keyed by builder category. On
// every build completion the service evaluates the rules of the build's
// project (see Evaluate) and queues at most one Message per matching rule.
//
// # Delivery
//
// Messages go through a bounded queue drained by supervised workers. Sends
// are rate limited, retried with jittered exponential backoff and
// de-duplicated per (rule, build) so a build never notifies a rule twice,
// even across restarts when dedup persistence is on. A delivery failure is
// logged and published on the event bus; it never changes a build.
//
// Sinks exist for SMTP email, a send-only Telegram bot and the log.
package notifier
