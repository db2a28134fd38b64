// Package delivery hands due reminders to the outside world.
//
// A pipeline is built from config: one or more sinks (log, webhook,
// telegram, amqp) fanned out by Multi, then wrapped by Retrying (bounded
// jittered backoff) and Limited (token bucket). The result implements
// reminder.Notifier.
//
// A sink error fails the delivery; what happens to the task afterwards is
// the scheduler's failure policy.
package delivery
